// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func newTestSession(t *testing.T) *session {
	t.Helper()
	s := &session{
		buffer: make([]byte, 0, sizeofHdr+2*dataLen),
		log:    newLogger("test"),
	}
	t.Cleanup(func() {
		if s.file != nil {
			s.file.Close()
		}
		discard(s.tmp)
	})
	return s
}

func writeFixture(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHandleRequestRejections(t *testing.T) {
	existing := writeFixture(t, []byte("x"))

	cases := []struct {
		name     string
		op       opcode
		filename string
		mode     TransferMode
		want     ErrorCode
	}{
		{"not a request", opCodeACK, existing, ModeOctet, ErrCodeIllegalOperation},
		{"invalid mode", opCodeRRQ, existing, ModeInvalid, ErrCodeIllegalOperation},
		{"read mail", opCodeRRQ, "alice", ModeMail, ErrCodeIllegalOperation},
		{"read missing file", opCodeRRQ, filepath.Join(t.TempDir(), "nope"), ModeOctet, ErrCodeFileNotFound},
		{"write into missing dir", opCodeWRQ, filepath.Join(t.TempDir(), "no", "dir", "f"), ModeOctet, ErrCodeAccessViolation},
		{"mail unknown user", opCodeWRQ, "nobody-here", ModeMail, ErrCodeNoSuchUser},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestSession(t)
			if got := s.handleRequest(c.op, c.filename, c.mode); got != c.want {
				t.Errorf("handleRequest = %v, want %v", got, c.want)
			}
		})
	}
}

func TestHandleRequestRead(t *testing.T) {
	path := writeFixture(t, []byte("hello"))
	s := newTestSession(t)

	if code := s.handleRequest(opCodeRRQ, path, ModeOctet); code != 0 {
		t.Fatalf("handleRequest = %v", code)
	}
	if s.block != 1 {
		t.Errorf("block = %d, want 1", s.block)
	}
	want := append([]byte{0x0, 0x3, 0x0, 0x1}, []byte("hello")...)
	if !bytes.Equal(s.outbound(), want) {
		t.Errorf("outbound = %#v, want %#v", s.outbound(), want)
	}
	if s.tmp == "" || s.tmp == path {
		t.Errorf("transfer not staged: tmp = %q", s.tmp)
	}
}

func TestHandleRequestWrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "incoming")
	s := newTestSession(t)

	if code := s.handleRequest(opCodeWRQ, target, ModeOctet); code != 0 {
		t.Fatalf("handleRequest = %v", code)
	}
	if s.block != 0 {
		t.Errorf("block = %d, want 0", s.block)
	}
	if s.file == nil || s.tmp == "" {
		t.Error("staging file not open")
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("target not touched: %v", err)
	}
}

func TestHandleAck(t *testing.T) {
	content := bytes.Repeat([]byte{'x'}, dataLen+88)
	path := writeFixture(t, content)
	s := newTestSession(t)

	if code := s.handleRequest(opCodeRRQ, path, ModeOctet); code != 0 {
		t.Fatalf("handleRequest = %v", code)
	}

	// Stale ACK leaves the session alone.
	if code := s.handleAck(0); code != 0 || s.block != 1 {
		t.Fatalf("stale ack: code %v, block %d", code, s.block)
	}

	if code := s.handleAck(1); code != 0 {
		t.Fatalf("ack 1: %v", code)
	}
	if s.block != 2 {
		t.Fatalf("block = %d, want 2", s.block)
	}
	if got := s.outbound()[sizeofHdr:]; len(got) != 88 {
		t.Errorf("final payload = %d bytes, want 88", len(got))
	}

	tmp := s.tmp
	if code := s.handleAck(2); code != 0 {
		t.Fatalf("final ack: %v", code)
	}
	if !s.closing {
		t.Error("session not closing after final ack")
	}
	if s.file != nil {
		t.Error("file still open")
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("staging file survived")
	}

	// Duplicates of the final ACK die quietly.
	if code := s.handleAck(2); code != 0 {
		t.Errorf("duplicate final ack: %v", code)
	}
}

func TestHandleAckWrongTransfer(t *testing.T) {
	s := newTestSession(t)
	s.op = opCodeWRQ

	if code := s.handleAck(0); code != ErrCodeUnknownTransferID {
		t.Errorf("handleAck on write transfer = %v, want UNKNOWN_TRANSFER_ID", code)
	}
}

func TestBlockNumberWraps(t *testing.T) {
	path := writeFixture(t, []byte("tail"))
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	s := newTestSession(t)
	s.op = opCodeRRQ
	s.mode = ModeOctet
	s.file = f
	s.block = 65535
	s.buffer = make([]byte, dataMsgMaxLen) // block 65535 in flight, full

	if code := s.handleAck(65535); code != 0 {
		t.Fatalf("handleAck: %v", code)
	}
	if s.block != 0 {
		t.Errorf("block = %d, want wrap to 0", s.block)
	}
	if got := binary.BigEndian.Uint16(s.outbound()[sizeofOpcode:]); got != 0 {
		t.Errorf("header block = %d, want 0", got)
	}
	if !bytes.Equal(s.outbound()[sizeofHdr:], []byte("tail")) {
		t.Errorf("payload = %q", s.outbound()[sizeofHdr:])
	}
}

func TestHandleData(t *testing.T) {
	target := filepath.Join(t.TempDir(), "incoming")
	s := newTestSession(t)
	if code := s.handleRequest(opCodeWRQ, target, ModeOctet); code != 0 {
		t.Fatalf("handleRequest = %v", code)
	}

	full := bytes.Repeat([]byte{'a'}, dataLen)
	short := []byte("the end")

	// Out-of-order block is ignored, nothing written.
	if code := s.handleData(2, short); code != 0 || s.block != 0 {
		t.Fatalf("out-of-order: code %v, block %d", code, s.block)
	}

	if code := s.handleData(1, full); code != 0 {
		t.Fatalf("block 1: %v", code)
	}
	if s.block != 1 || s.closing {
		t.Fatalf("after block 1: block %d, closing %v", s.block, s.closing)
	}

	if code := s.handleData(2, short); code != 0 {
		t.Fatalf("block 2: %v", code)
	}
	if !s.closing {
		t.Error("session not closing after short block")
	}
	if s.tmp != "" {
		t.Error("staging path not cleared after commit")
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, append(full, short...)) {
		t.Errorf("target = %d bytes, want %d", len(got), dataLen+len(short))
	}

	// Retransmission of the final block after commit changes nothing.
	if code := s.handleData(2, short); code != 0 || s.block != 2 {
		t.Errorf("duplicate final block: code %v, block %d", code, s.block)
	}
}

func TestHandleDataWrongTransfer(t *testing.T) {
	s := newTestSession(t)
	s.op = opCodeRRQ

	if code := s.handleData(1, []byte("x")); code != ErrCodeUnknownTransferID {
		t.Errorf("handleData on read transfer = %v, want UNKNOWN_TRANSFER_ID", code)
	}
}

// Inbound netascii is stored as received; translation applies only to
// outbound DATA.
func TestHandleDataNetasciiVerbatim(t *testing.T) {
	target := filepath.Join(t.TempDir(), "incoming")
	s := newTestSession(t)
	if code := s.handleRequest(opCodeWRQ, target, ModeNetASCII); code != 0 {
		t.Fatalf("handleRequest = %v", code)
	}

	payload := []byte("a\r\nb\r\x00c")
	if code := s.handleData(1, payload); code != 0 {
		t.Fatalf("handleData: %v", code)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("target = %q, want %q", got, payload)
	}
}

// Netascii expansion past the packet boundary carries into the next
// block, so the expanded stream crosses blocks without loss.
func TestPrepareNextDataCarry(t *testing.T) {
	content := bytes.Repeat([]byte{'\n'}, 600)
	path := writeFixture(t, content)
	s := newTestSession(t)

	if code := s.handleRequest(opCodeRRQ, path, ModeNetASCII); code != 0 {
		t.Fatalf("handleRequest = %v", code)
	}

	var stream []byte
	for block := uint16(1); ; block++ {
		if got := binary.BigEndian.Uint16(s.outbound()[sizeofOpcode:]); got != block {
			t.Fatalf("header block = %d, want %d", got, block)
		}
		payload := s.outbound()[sizeofHdr:]
		stream = append(stream, payload...)

		if len(payload) < dataLen {
			break
		}
		if code := s.handleAck(block); code != 0 {
			t.Fatalf("ack %d: %v", block, code)
		}
	}

	want := bytes.Repeat([]byte("\r\n"), 600)
	if !bytes.Equal(stream, want) {
		t.Errorf("stream = %d bytes, want %d", len(stream), len(want))
	}
}
