// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const tmpPrefix = "tftp."

// tmpCount numbers staging files. It wraps at 65536 so names recycle
// the way the sequence always has; stale files from a crashed run get
// truncated on reuse.
var tmpCount atomic.Uint32

// tmpName returns the next staging path under the system temp directory.
func tmpName() string {
	n := uint16(tmpCount.Add(1) - 1)
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s%05d", tmpPrefix, n))
}

// touch creates target if it does not exist, without modifying its
// contents. Used before staging a write so permission problems surface
// at request time rather than at commit.
func touch(target string) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// stageForRead copies source into a fresh staging file and returns the
// staging path and an open read handle positioned at the start. The
// session reads from the snapshot so concurrent writers to source never
// tear a transfer.
func stageForRead(source string) (string, *os.File, error) {
	src, err := os.Open(source)
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	tmp := tmpName()
	dst, err := os.Create(tmp)
	if err != nil {
		return "", nil, wrapError(err, "creating staging file")
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", nil, wrapError(err, "copying to staging file")
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", nil, wrapError(err, "closing staging file")
	}

	f, err := os.Open(tmp)
	if err != nil {
		os.Remove(tmp)
		return "", nil, wrapError(err, "reopening staging file")
	}
	return tmp, f, nil
}

// stageForWrite prepares a staging file for an incoming transfer to
// target. The target itself is touched first so creatability and
// permissions are checked up front; data lands in the staging file and
// only reaches target through commitWrite.
func stageForWrite(target string) (string, *os.File, error) {
	if err := touch(target); err != nil {
		return "", nil, err
	}

	tmp := tmpName()
	f, err := os.Create(tmp)
	if err != nil {
		return "", nil, wrapError(err, "creating staging file")
	}
	return tmp, f, nil
}

// commitWrite publishes a completed staging file at target atomically.
func commitWrite(tmp, target string) error {
	return os.Rename(tmp, target)
}

// discard removes a staging file, ignoring errors; the file may already
// be gone after a commit.
func discard(tmp string) {
	if tmp != "" {
		os.Remove(tmp)
	}
}

var (
	mailDirOnce sync.Once
	mailDir     string
)

// mailDirectory returns the mail spool root, taken from TFTP_MAIL_PREFIX
// on first use and cached for the life of the process.
func mailDirectory() string {
	mailDirOnce.Do(func() {
		mailDir = os.Getenv("TFTP_MAIL_PREFIX")
		if mailDir == "" {
			mailDir = "/var/spool/mail"
		}
	})
	return mailDir
}

// mailTarget maps a mail-mode filename (the recipient) to its delivery
// path: a timestamped file in the recipient's spool directory. The
// directory must already exist; a missing recipient surfaces as
// fs.ErrNotExist from the staging calls.
func mailTarget(user string) string {
	stamp := time.Now().UTC().Format("20060102_150405")
	return filepath.Join(mailDirectory(), user, stamp)
}

// errorCodeFor maps a staging failure to the wire code reported to the
// peer. notFound is the code used for fs.ErrNotExist; it differs
// between regular files and mail recipients.
func errorCodeFor(err error, notFound ErrorCode) ErrorCode {
	if errors.Is(err, os.ErrNotExist) {
		return notFound
	}
	return ErrCodeAccessViolation
}
