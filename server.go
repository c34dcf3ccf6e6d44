// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// event is posted to the server loop by socket readers and timers.
// A datagram event carries from and buf; a timer event carries gen.
type event struct {
	s         *session // owning session; nil for listener datagrams
	from      *net.UDPAddr
	buf       []byte
	truncated bool
	gen       uint64
}

// Server is a TFTP server. One goroutine owns all session state; socket
// readers and timers only post events to it.
type Server struct {
	conn     *net.UDPConn
	sessions sessionTable
	events   chan event
	quit     chan struct{}
	quitOnce sync.Once
	retryMax int
	log      *logger
}

// ServerOpt is a functional option for a Server.
type ServerOpt func(*Server)

// ServerRetransmit sets the number of retransmit attempts for
// unacknowledged DATA packets before the transfer is abandoned.
func ServerRetransmit(n int) ServerOpt {
	return func(srv *Server) {
		srv.retryMax = n
	}
}

// NewServer binds the listener at addr and returns a server ready to
// run. Binding up front lets callers learn the chosen port through
// Addr before serving.
func NewServer(addr string, opts ...ServerOpt) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, wrapError(err, "resolving server address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, wrapError(err, "binding listener")
	}

	srv := &Server{
		conn:     conn,
		sessions: make(sessionTable),
		events:   make(chan event, 64),
		quit:     make(chan struct{}),
		retryMax: maxRetries,
		log:      newLogger(conn.LocalAddr().String()),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv, nil
}

// Addr returns the listener address.
func (srv *Server) Addr() *net.UDPAddr {
	return srv.conn.LocalAddr().(*net.UDPAddr)
}

// ListenAndServe runs the server until Shutdown is called. Always
// returns nil after an orderly shutdown.
func (srv *Server) ListenAndServe() error {
	srv.log.info("serving")
	go srv.readLoop(srv.conn, nil)
	return srv.loop()
}

// Shutdown stops the listener and asks the server loop to tear down
// in-flight sessions. Safe to call more than once and from any
// goroutine.
func (srv *Server) Shutdown() {
	srv.quitOnce.Do(func() {
		close(srv.quit)
		srv.conn.Close()
	})
}

// readLoop pumps one socket into the event channel. s is nil for the
// listener. The recv buffer is sized to the largest legal packet;
// anything longer arrives truncated and flagged.
func (srv *Server) readLoop(conn *net.UDPConn, s *session) {
	for {
		buf := make([]byte, dataMsgMaxLen)
		n, _, flags, from, err := conn.ReadMsgUDP(buf, nil)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				srv.log.debug("read error: %v", err)
			}
			return
		}

		ev := event{
			s:         s,
			from:      from,
			buf:       buf[:n],
			truncated: flags&unix.MSG_TRUNC != 0,
		}
		select {
		case srv.events <- ev:
		case <-srv.quit:
			return
		}
	}
}

func (srv *Server) loop() error {
	for {
		select {
		case <-srv.quit:
			var live []*session
			for _, ss := range srv.sessions {
				live = append(live, ss...)
			}
			for _, s := range live {
				srv.cleanup(s)
			}
			srv.log.info("shut down")
			return nil
		case ev := <-srv.events:
			if ev.from == nil {
				srv.timerFired(ev.s, ev.gen)
				continue
			}
			var dg datagram
			dg.setBytes(ev.buf)
			if ev.s == nil {
				srv.listenerPacket(ev.from, dg, ev.truncated)
			} else {
				srv.sessionPacket(ev.s, ev.from, dg, ev.truncated)
			}
		}
	}
}

// listenerPacket demultiplexes a datagram from the well-known port. A
// repeated request from a known peer is a retransmission and is
// dropped; anything else from a known peer missed the session socket
// and gets Unknown TID without disturbing the transfer.
func (srv *Server) listenerPacket(from *net.UDPAddr, dg datagram, truncated bool) {
	if s := srv.sessions.lookup(peerKey(from)); s != nil {
		switch dg.opcode() {
		case opCodeRRQ, opCodeWRQ:
			s.log.trace("duplicate request dropped")
		default:
			srv.send(srv.conn, from, canonicalError(ErrCodeUnknownTransferID), s.log)
		}
		return
	}

	s, err := srv.openSession(from)
	if err != nil {
		srv.log.err("session setup for %v failed: %v", from, err)
		return
	}
	srv.dispatch(s, dg, truncated)
}

// sessionPacket handles a datagram on a session's ephemeral socket.
// Datagrams from any other peer violate the TID discipline and are
// answered with Unknown TID on the same socket.
func (srv *Server) sessionPacket(s *session, from *net.UDPAddr, dg datagram, truncated bool) {
	if s.terminated {
		return
	}
	if peerKey(from) != peerKey(s.peer) {
		s.log.trace("datagram from %v on session socket", from)
		srv.send(s.conn, from, canonicalError(ErrCodeUnknownTransferID), s.log)
		return
	}
	srv.dispatch(s, dg, truncated)
}

// openSession allocates the ephemeral socket that becomes this
// transfer's TID, in the peer's address family, and starts its reader.
func (srv *Server) openSession(from *net.UDPAddr) (*session, error) {
	network := "udp6"
	if from.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, wrapError(err, "binding session socket")
	}

	s := newSession(from, conn)
	srv.sessions.add(peerKey(from), s)
	go srv.readLoop(conn, s)
	s.log.debug("session opened on %v", conn.LocalAddr())
	return s, nil
}

func (srv *Server) dispatch(s *session, dg datagram, truncated bool) {
	if truncated {
		s.log.debug("oversized datagram")
		srv.fatal(s, ErrCodeIllegalOperation)
		return
	}
	if err := dg.validate(); err != nil {
		s.log.debug("malformed datagram: %v", err)
		srv.fatal(s, ErrCodeIllegalOperation)
		return
	}
	s.log.trace("received %v", dg)

	switch dg.opcode() {
	case opCodeRRQ, opCodeWRQ:
		srv.requestReceived(s, dg)
	case opCodeACK:
		srv.ackReceived(s, dg.block())
	case opCodeDATA:
		srv.dataReceived(s, dg.block(), dg.data())
	default:
		srv.fatal(s, ErrCodeIllegalOperation)
	}
}

func (srv *Server) requestReceived(s *session, dg datagram) {
	if s.op != 0 {
		s.log.trace("duplicate request dropped")
		return
	}

	op, filename, mode := dg.opcode(), dg.filename(), dg.mode()
	if code := s.handleRequest(op, filename, mode); code != 0 {
		srv.fatal(s, code)
		return
	}
	s.log.info("%v %q (%v)", op, filename, mode)

	if s.op == opCodeRRQ {
		srv.sendData(s)
	} else {
		srv.sendAck(s)
	}
}

func (srv *Server) ackReceived(s *session, block uint16) {
	if s.closing {
		return
	}
	prev := s.block
	code := s.handleAck(block)
	if code != 0 {
		srv.fatal(s, code)
		return
	}

	if s.closing {
		// Final block acknowledged. Linger briefly so a duplicate of
		// this ACK dies quietly instead of raising Unknown TID.
		s.sampleRTT(time.Now())
		s.log.info("read complete: %d blocks", s.block)
		srv.armTimer(s, 2*s.avgRTT)
		return
	}
	if s.block != prev {
		s.sampleRTT(time.Now())
		s.retries = 0
		srv.sendData(s)
	}
}

func (srv *Server) dataReceived(s *session, block uint16, payload []byte) {
	prev := s.block
	code := s.handleData(block, payload)
	if code != 0 {
		srv.fatal(s, code)
		return
	}
	if s.block != prev {
		s.sampleRTT(time.Now())
	}
	if block == s.block {
		// Accepted just now, or a duplicate of the last accepted
		// block whose ACK was lost. Either way the peer needs the ACK.
		if s.closing && s.block != prev {
			s.log.info("write complete: %d blocks", s.block)
		}
		srv.sendAck(s)
	}
}

// sendData transmits the current DATA packet and arms the retransmit
// timer at twice the smoothed RTT.
func (srv *Server) sendData(s *session) {
	srv.send(s.conn, s.peer, s.outbound(), s.log)
	s.startTime = time.Now()
	srv.armTimer(s, 2*s.avgRTT)
}

// sendAck transmits the ACK for the current block and arms the write
// deadline at five times the smoothed RTT. ACKs are never
// retransmitted on a timer; a lost ACK is recovered by the peer's DATA
// retransmission.
func (srv *Server) sendAck(s *session) {
	var d datagram
	d.writeAck(s.block)
	srv.send(s.conn, s.peer, d.bytes(), s.log)
	s.startTime = time.Now()
	srv.armTimer(s, 5*s.avgRTT)
}

// send writes a packet, logging and discarding any error. UDP send
// failures are indistinguishable from loss as far as the protocol is
// concerned; the timers recover either way.
func (srv *Server) send(conn *net.UDPConn, to *net.UDPAddr, pkt []byte, log *logger) {
	if _, err := conn.WriteToUDP(pkt, to); err != nil {
		log.debug("send failed: %v", err)
	}
}

// armTimer schedules a timer event for s, invalidating any timer armed
// earlier. The generation number makes a stopped-but-already-fired
// timer a no-op.
func (srv *Server) armTimer(s *session, d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(d, func() {
		select {
		case srv.events <- event{s: s, gen: gen}:
		case <-srv.quit:
		}
	})
}

func (srv *Server) timerFired(s *session, gen uint64) {
	if s.terminated || gen != s.gen {
		return
	}
	if s.closing {
		srv.cleanup(s)
		return
	}
	if s.op == opCodeRRQ && s.retries < srv.retryMax {
		s.retries++
		s.log.debug("retransmitting block %d, retry %d", s.block, s.retries)
		srv.sendData(s)
		return
	}
	s.log.info("transfer timed out")
	srv.fatal(s, errCodeTimedOut)
}

// fatal reports code to the peer and tears the session down. The one
// exception is Unknown TID raised by an established transfer, which by
// RFC 1350 must not kill the transfer.
func (srv *Server) fatal(s *session, code ErrorCode) {
	srv.send(s.conn, s.peer, canonicalError(code), s.log)
	if code == ErrCodeUnknownTransferID && s.op != 0 {
		return
	}
	srv.cleanup(s)
}

// cleanup releases everything a session holds: timer, file, staging
// file, ephemeral socket (which stops its reader), and table entry.
func (srv *Server) cleanup(s *session) {
	if s.terminated {
		return
	}
	s.terminated = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	discard(s.tmp)
	s.tmp = ""
	s.conn.Close()
	srv.sessions.remove(peerKey(s.peer), s)
	s.log.debug("session closed")
}
