// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"net"
	"net/netip"
	"os"
	"time"
)

const (
	// maxRetries bounds DATA retransmissions before a read transfer is
	// declared dead.
	maxRetries = 5

	// rttFloor and rttCeiling clamp the smoothed round-trip estimate.
	rttFloor   = 2 * time.Millisecond
	rttCeiling = 200 * time.Millisecond

	// initialRTT seeds the estimate before any sample arrives.
	initialRTT = 200 * time.Millisecond
)

// session tracks one in-flight transfer. All fields are owned by the
// server loop goroutine; nothing here is safe for concurrent use.
type session struct {
	peer *net.UDPAddr
	conn *net.UDPConn // ephemeral socket, this transfer's TID

	op   opcode
	mode TransferMode

	target string // final path for the transfer
	tmp    string // staging path, empty once committed
	file   *os.File

	block uint16

	// buffer holds the current outbound DATA packet plus any netascii
	// expansion carried into the next block. Header occupies the first
	// four bytes.
	buffer []byte

	startTime time.Time
	avgRTT    time.Duration
	timer     *time.Timer
	retries   int

	// gen invalidates timers armed before the latest state change.
	gen uint64

	// closing marks a session whose transfer is complete and which
	// lingers only to absorb straggling duplicates.
	closing bool

	// terminated marks a session already torn down; late events for it
	// are dropped.
	terminated bool

	log *logger
}

func newSession(peer *net.UDPAddr, conn *net.UDPConn) *session {
	return &session{
		peer:      peer,
		conn:      conn,
		buffer:    make([]byte, 0, sizeofHdr+2*dataLen),
		startTime: time.Now().Add(-initialRTT / 2),
		avgRTT:    initialRTT,
		log:       newLogger(peer.String()),
	}
}

// sampleRTT folds the elapsed time since the last send into the
// smoothed estimate: new = old*3/4 + sample/4, clamped.
func (s *session) sampleRTT(now time.Time) {
	sample := now.Sub(s.startTime)
	avg := s.avgRTT - s.avgRTT/4 + sample/4
	if avg < rttFloor {
		avg = rttFloor
	} else if avg > rttCeiling {
		avg = rttCeiling
	}
	s.avgRTT = avg
}

// peerKey normalizes a UDP address for session-table lookup.
// IPv4-mapped IPv6 peers key the same as plain IPv4 so a dual-stack
// listener and an IPv4 ephemeral socket agree on identity.
func peerKey(addr *net.UDPAddr) netip.AddrPort {
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// sessionTable indexes live sessions by peer address and port. A slice
// per key tolerates the rare collision where distinct ephemeral sockets
// serve the same peer tuple during teardown races.
type sessionTable map[netip.AddrPort][]*session

func (t sessionTable) lookup(key netip.AddrPort) *session {
	ss := t[key]
	if len(ss) == 0 {
		return nil
	}
	return ss[0]
}

func (t sessionTable) add(key netip.AddrPort, s *session) {
	t[key] = append(t[key], s)
}

// remove drops s from the table, discriminating by ephemeral socket so
// a stale entry for the same peer is left alone.
func (t sessionTable) remove(key netip.AddrPort, s *session) {
	ss := t[key]
	for i, candidate := range ss {
		if candidate == s {
			ss = append(ss[:i], ss[i+1:]...)
			break
		}
	}
	if len(ss) == 0 {
		delete(t, key)
		return
	}
	t[key] = ss
}
