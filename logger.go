// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import log "github.com/sirupsen/logrus"

// logger is a thin leveled-logging facade over the process logrus logger.
// Each session gets its own logger tagged with the peer address.
type logger struct {
	entry *log.Entry
}

func newLogger(peer string) *logger {
	return &logger{entry: log.WithField("peer", peer)}
}

func (l *logger) trace(format string, args ...interface{}) {
	l.entry.Tracef(format, args...)
}

func (l *logger) debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *logger) info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logger) warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logger) err(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}
