// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package fakeinverter is a test fixture: an in-memory stand-in for the
// physical inverter, speaking the same wire frames the arbiter and bridge
// coordinator exchange with the real device. It exists to exercise the
// arbiter and bridge coordinator without hardware.
package fakeinverter

import (
	"fmt"
	"sync"
)

const maxAddress = 65535

// registerBank holds one 16-bit register table covering the full address
// space, guarded by its own lock. The real inverter distinguishes holding
// (read/write) from input (read-only) registers; coils and discrete
// inputs don't exist in this bridge's protocol, so unlike the register
// model this fixture is adapted from, there's only these two tables.
type registerBank struct {
	mu   sync.RWMutex
	data [maxAddress + 1]uint16
}

func (b *registerBank) read(start uint16, count int) ([]uint16, error) {
	if err := validateRange(start, count); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint16, count)
	copy(out, b.data[start:int(start)+count])
	return out, nil
}

func (b *registerBank) write(start uint16, values []uint16) error {
	if err := validateRange(start, len(values)); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.data[start:int(start)+len(values)], values)
	return nil
}

func validateRange(start uint16, count int) error {
	if count < 1 {
		return fmt.Errorf("fakeinverter: count must be positive")
	}
	if int(start)+count > maxAddress+1 {
		return fmt.Errorf("fakeinverter: address range out of bounds")
	}
	return nil
}
