// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

// errorWrapper adds context to an underlying error.
type errorWrapper struct {
	inner error
	msg   string
}

func (e *errorWrapper) Error() string {
	return e.msg + ": " + e.inner.Error()
}

func (e *errorWrapper) Unwrap() error {
	return e.inner
}

// wrapError returns err annotated with msg, nil if err is nil.
func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &errorWrapper{inner: err, msg: msg}
}
