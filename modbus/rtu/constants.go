// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu encodes and decodes the inverter's half-duplex serial frames:
// address, function code, a 10-byte ASCII serial number, a little-endian
// register start, a per-function payload, and a trailing CRC-16.
package rtu

const (
	// AddrRequest and AddrResponse are the only two leading-address values
	// the bus ever carries.
	AddrRequest  = 0x00
	AddrResponse = 0x01

	// FuncReadHolding and friends are the only function codes this bridge
	// speaks. Anything else is rejected.
	FuncReadHolding  = 0x03
	FuncReadInput    = 0x04
	FuncWriteSingle  = 0x06
	FuncWriteMultple = 0x10

	// ExceptionFlag is OR'd onto the function byte to signal an exception
	// response.
	ExceptionFlag = 0x80

	// SerialLen is the fixed width of the ASCII serial number field.
	SerialLen = 10

	// MaxRegisters bounds a single read or write.
	MaxRegisters = 127

	// ExceptionFrameLen is the fixed length of an exception response.
	ExceptionFrameLen = 15

	// FixedFrameLen is the length of every request and of 0x06/0x10
	// responses.
	FixedFrameLen = 18
)
