// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

// Package tftp implements a concurrent TFTP server per RFC 1350.
//
// The protocol engine in this file is pure state manipulation: each
// handler mutates the session and returns a wire error code, zero
// meaning success. Sending, timers, and socket lifecycle live in the
// driver (server.go); staging lives in filesystem.go.
package tftp

import (
	"encoding/binary"
	"io"
)

// handleRequest admits or rejects a fresh RRQ/WRQ and stages the
// transfer. On success the session is ready for the driver to send the
// first DATA (read) or ACK 0 (write).
func (s *session) handleRequest(op opcode, filename string, mode TransferMode) ErrorCode {
	if op != opCodeRRQ && op != opCodeWRQ {
		return ErrCodeIllegalOperation
	}
	if mode == ModeInvalid {
		return ErrCodeIllegalOperation
	}
	if op == opCodeRRQ && mode == ModeMail {
		return ErrCodeIllegalOperation
	}

	s.op = op
	s.mode = mode
	s.target = filename
	if mode == ModeMail {
		s.target = mailTarget(filename)
	}

	if op == opCodeRRQ {
		tmp, f, err := stageForRead(s.target)
		if err != nil {
			s.log.debug("read staging failed: %v", err)
			return errorCodeFor(err, ErrCodeFileNotFound)
		}
		s.tmp, s.file = tmp, f
		return s.prepareNextData()
	}

	notFound := ErrCodeAccessViolation
	if mode == ModeMail {
		notFound = ErrCodeNoSuchUser
	}
	tmp, f, err := stageForWrite(s.target)
	if err != nil {
		s.log.debug("write staging failed: %v", err)
		return errorCodeFor(err, notFound)
	}
	s.tmp, s.file = tmp, f
	return 0
}

// handleAck advances a read transfer. Acknowledgement of the current
// block either loads the next one or, when the block just sent was
// short, completes the transfer. Stale ACKs are ignored; the pending
// retransmit timer covers the lost-DATA case.
func (s *session) handleAck(block uint16) ErrorCode {
	if s.op != opCodeRRQ {
		return ErrCodeUnknownTransferID
	}
	if s.closing || block != s.block {
		return 0
	}

	if len(s.buffer) >= dataMsgMaxLen {
		return s.prepareNextData()
	}

	s.file.Close()
	s.file = nil
	discard(s.tmp)
	s.tmp = ""
	s.closing = true
	return 0
}

// handleData accepts the next block of a write transfer. Bytes are
// written to the staging file as received; netascii payloads are stored
// verbatim. A short block commits the staging file to its target.
func (s *session) handleData(block uint16, payload []byte) ErrorCode {
	if s.op != opCodeWRQ {
		return ErrCodeUnknownTransferID
	}
	if s.closing || block != s.block+1 {
		return 0
	}

	if _, err := s.file.Write(payload); err != nil {
		s.log.debug("write failed: %v", err)
		return ErrCodeDiskFull
	}
	s.block = block

	if len(payload) < dataLen {
		if err := s.file.Close(); err != nil {
			s.log.debug("close failed: %v", err)
			return ErrCodeAccessViolation
		}
		s.file = nil
		if err := commitWrite(s.tmp, s.target); err != nil {
			s.log.debug("commit failed: %v", err)
			return ErrCodeAccessViolation
		}
		s.tmp = ""
		s.closing = true
	}
	return 0
}

// prepareNextData builds the DATA packet for the next block in the
// session buffer. Netascii expansion can overrun the 512-byte payload;
// the excess stays in the buffer past the packet boundary and is
// shifted down to start the following block.
func (s *session) prepareNextData() ErrorCode {
	s.block++

	if len(s.buffer) > dataMsgMaxLen {
		n := copy(s.buffer[sizeofHdr:], s.buffer[dataMsgMaxLen:])
		s.buffer = s.buffer[:sizeofHdr+n]
	} else {
		s.buffer = s.buffer[:sizeofHdr]
	}
	binary.BigEndian.PutUint16(s.buffer, uint16(opCodeDATA))
	binary.BigEndian.PutUint16(s.buffer[sizeofOpcode:], s.block)

	var chunk [dataLen]byte
	for len(s.buffer) <= dataMsgMaxLen {
		n, err := s.file.Read(chunk[:])
		if n > 0 {
			s.buffer = appendData(s.buffer, chunk[:n], s.mode)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.log.debug("read failed: %v", err)
			return ErrCodeAccessViolation
		}
	}
	return 0
}

// outbound returns the wire bytes of the current DATA packet. Carry
// beyond the packet boundary is excluded; it belongs to the next block.
func (s *session) outbound() []byte {
	if len(s.buffer) > dataMsgMaxLen {
		return s.buffer[:dataMsgMaxLen]
	}
	return s.buffer
}
