// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package guard implements an advisory, non-blocking mutual-exclusion
// token shared across the bridge's coarse activities. It is consulted at
// the entry points to mutually-exclusive activities; it does not intercept
// raw bus I/O.
package guard

import (
	"fmt"
	"sync"
)

// Kind names a coarse activity that may hold the guard.
type Kind int

const (
	// None is never held; it is returned by ActiveKind when the guard is
	// free.
	None Kind = iota
	TCPRequestHandling
	SerialIO
	LinkProbe
	NetworkScan
	FirmwareUpdate
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case TCPRequestHandling:
		return "tcp_request_handling"
	case SerialIO:
		return "serial_io"
	case LinkProbe:
		return "link_probe"
	case NetworkScan:
		return "network_scan"
	case FirmwareUpdate:
		return "firmware_update"
	default:
		return "unknown"
	}
}

// Busy is returned by TryAcquire when another activity already holds the
// guard.
type Busy struct {
	Active Kind
	Reason string
}

func (b *Busy) Error() string {
	if b.Reason != "" {
		return fmt.Sprintf("guard: busy with %s (%s)", b.Active, b.Reason)
	}
	return fmt.Sprintf("guard: busy with %s", b.Active)
}

// Operation is a shared singleton operation guard.
type Operation struct {
	mu     sync.Mutex
	active Kind
	reason string
}

// New returns a free Operation guard.
func New() *Operation {
	return &Operation{}
}

// Guard is held by the caller that acquired the token. Release must be
// called when the activity ends, typically via defer immediately after a
// successful TryAcquire, RAII-style; further calls have no effect.
type Guard struct {
	op       *Operation
	kind     Kind
	released bool
}

// TryAcquire attempts to take the guard for kind, non-blocking. reason is
// free-form, surfaced in Busy errors and logs. It returns a *Busy error
// (via the returned error) if another activity currently holds the token.
func (o *Operation) TryAcquire(kind Kind, reason string) (*Guard, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != None {
		return nil, &Busy{Active: o.active, Reason: o.reason}
	}
	o.active = kind
	o.reason = reason
	return &Guard{op: o, kind: kind}, nil
}

// ActiveKind reports the activity currently holding the guard, or None.
func (o *Operation) ActiveKind() Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Release frees the guard. It is safe to call more than once; only the
// first call has effect.
func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true

	g.op.mu.Lock()
	defer g.op.mu.Unlock()
	if g.op.active == g.kind {
		g.op.active = None
		g.op.reason = ""
	}
}

// Kind reports the activity kind this guard was acquired for.
func (g *Guard) Kind() Kind {
	return g.kind
}

// AllowsNewRequest implements the bridge coordinator's admission policy:
// a new TCP request may start only if the guard is free or already held
// for TCP request handling (concurrent client sessions share that kind).
func AllowsNewRequest(active Kind) bool {
	return active == None || active == TCPRequestHandling
}
