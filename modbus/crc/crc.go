// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc computes the CRC-16 checksum used by both the inverter serial
// frame and the dongle TCP frame: polynomial 0xA001 (reflected), initial
// value 0xFFFF.
package crc

// CRC accumulates a running CRC-16/MODBUS checksum.
type CRC struct {
	value uint16
}

// Reset reinitializes the accumulator to its starting value and returns the
// receiver so calls can be chained, e.g. `(&CRC{}).Reset().PushBytes(b)`.
func (c *CRC) Reset() *CRC {
	c.value = 0xFFFF
	return c
}

// PushBytes folds b into the running checksum and returns the receiver.
func (c *CRC) PushBytes(b []byte) *CRC {
	for _, v := range b {
		c.value ^= uint16(v)
		for i := 0; i < 8; i++ {
			if c.value&1 != 0 {
				c.value = (c.value >> 1) ^ 0xA001
			} else {
				c.value >>= 1
			}
		}
	}
	return c
}

// Value returns the checksum accumulated so far.
func (c *CRC) Value() uint16 {
	return c.value
}

// Compute is a convenience wrapper for the common case of checksumming a
// single byte span.
func Compute(b []byte) uint16 {
	var c CRC
	return c.Reset().PushBytes(b).Value()
}

// PutUint16LE writes v little-endian into b[0:2].
func PutUint16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// Uint16LE reads a little-endian uint16 from b[0:2].
func Uint16LE(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
