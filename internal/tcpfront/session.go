// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcpfront

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// minRequestLen is the minimum client frame size a session must have
// accumulated before it is handed to the coordinator.
const minRequestLen = 38

// readChunkSize bounds a single conn.Read call.
const readChunkSize = 512

// session tracks one client connection's accumulation buffer. Reads
// happen on a dedicated goroutine per spec.md §5's "event-driven callback
// that only appends to a per-session buffer" model; request/response
// handling itself is driven later, from Listener.Tick.
type session struct {
	conn        net.Conn
	idleTimeout time.Duration

	mu      sync.Mutex
	buf     []byte
	pending bool // a request has been handed off and a response is outstanding
	closed  bool
}

func newSession(conn net.Conn, idleTimeout time.Duration) *session {
	return &session{conn: conn, idleTimeout: idleTimeout}
}

// readLoop blocks reading from conn, appending to the accumulation buffer,
// until the connection errors, is closed, or sits idle past idleTimeout.
// done is called when the loop exits so the listener can forget this
// session.
func (s *session) readLoop(done func()) {
	defer done()
	defer s.conn.Close()

	chunk := make([]byte, readChunkSize)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return
		}
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("tcpfront: session read ended", "remote", s.conn.RemoteAddr(), "err", err)
			}
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}
	}
}

// takeRequest returns a complete request buffer and clears the
// accumulation buffer if one is ready and no response is currently
// outstanding for this session, per spec.md §4.8's "one request at a time
// per session" rule.
func (s *session) takeRequest() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.pending || len(s.buf) < minRequestLen {
		return nil, false
	}
	req := s.buf
	s.buf = nil
	s.pending = true
	return req, true
}

// deliver writes resp back to the client and clears the pending flag so
// the next accumulated request can be handed off. A nil resp (a decode
// failure the coordinator chose to drop) still clears the flag without
// writing anything.
func (s *session) deliver(resp []byte) {
	s.mu.Lock()
	closed := s.closed
	s.pending = false
	s.mu.Unlock()

	if closed || resp == nil {
		return
	}
	if _, err := s.conn.Write(resp); err != nil {
		slog.Debug("tcpfront: failed writing response to client", "remote", s.conn.RemoteAddr(), "err", err)
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
