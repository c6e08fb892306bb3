// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcpfront is the TCP front door clients speak the dongle wire
// protocol to. It owns session accounting (bounded concurrency, per-session
// accumulation buffers, idle eviction) and hands complete requests to the
// bridge coordinator; it never does protocol work itself.
package tcpfront

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Coordinator is the subset of *bridge.Coordinator the listener needs.
// Defined here, rather than depending on the bridge package directly, so
// the listener can be tested against a fake without an arbiter or cache.
type Coordinator interface {
	ProcessClientBytes(raw []byte, deliver func([]byte))
}

// Listener accepts client connections and feeds completed requests to a
// Coordinator, one at a time per session.
type Listener struct {
	coordinator Coordinator
	maxClients  int
	idleTimeout time.Duration

	ln net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New returns a Listener bound to addr (e.g. ":8000"). It does not start
// accepting until Serve is called.
func New(addr string, coordinator Coordinator, maxClients int, idleTimeout time.Duration) (*Listener, error) {
	if maxClients <= 0 {
		maxClients = 5
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpfront: listen %s: %w", addr, err)
	}
	return &Listener{
		coordinator: coordinator,
		maxClients:  maxClients,
		idleTimeout: idleTimeout,
		ln:          ln,
		sessions:    make(map[*session]struct{}),
	}, nil
}

// Addr returns the listener's bound address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until the listener is closed. It returns nil
// on a clean Close, and the underlying error otherwise.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcpfront: accept: %w", err)
		}
		l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(conn net.Conn) {
	l.mu.Lock()
	if len(l.sessions) >= l.maxClients {
		l.mu.Unlock()
		slog.Info("tcpfront: rejecting connection, session table full", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}
	s := newSession(conn, l.idleTimeout)
	l.sessions[s] = struct{}{}
	l.mu.Unlock()

	go s.readLoop(func() {
		l.mu.Lock()
		delete(l.sessions, s)
		l.mu.Unlock()
	})
}

// Tick hands any session with a complete, non-pending request to the
// coordinator. It is the cooperative pass spec.md §5 describes: reads
// happen on session goroutines, but protocol work only happens here.
func (l *Listener) Tick() {
	l.mu.Lock()
	sessions := make([]*session, 0, len(l.sessions))
	for s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		req, ok := s.takeRequest()
		if !ok {
			continue
		}
		l.coordinator.ProcessClientBytes(req, s.deliver)
	}
}

// Close stops accepting and closes every open session.
func (l *Listener) Close() error {
	err := l.ln.Close()

	l.mu.Lock()
	sessions := make([]*session, 0, len(l.sessions))
	for s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
	return err
}
