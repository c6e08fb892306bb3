// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package fakeinverter

import (
	"context"
	"errors"
	"sync"
)

// ErrNoData is returned by Bus.Read when nothing is currently available,
// the way a real UART read would time out waiting on an idle line.
var ErrNoData = errors.New("fakeinverter: no data available")

// Bus adapts an Inverter to the same Write/Read shape the arbiter expects
// from its UART transport, so integration tests can wire a fake inverter
// directly in place of a *serialbus.Port. Foreign traffic can be injected
// with InjectForeign to exercise the arbiter's multi-master tolerance.
type Bus struct {
	inv *Inverter

	mu      sync.Mutex
	pending []byte
}

// NewBus returns a Bus fronting inv.
func NewBus(inv *Inverter) *Bus {
	return &Bus{inv: inv}
}

// InjectForeign appends bytes to the read side without involving the
// inverter, simulating a second master's traffic arriving on the shared
// bus.
func (b *Bus) InjectForeign(raw []byte) {
	b.mu.Lock()
	b.pending = append(b.pending, raw...)
	b.mu.Unlock()
}

// Write delivers req to the inverter and queues whatever it answers (if
// anything) for subsequent Read calls.
func (b *Bus) Write(_ context.Context, req []byte) (int, error) {
	resp, ok := b.inv.Respond(req)
	if ok && resp != nil {
		b.mu.Lock()
		b.pending = append(b.pending, resp...)
		b.mu.Unlock()
	}
	return len(req), nil
}

// Read drains whatever is queued into p, or returns ErrNoData.
func (b *Bus) Read(_ context.Context, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return 0, ErrNoData
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}
