// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package dongle encodes and decodes the TCP wire format a monitoring
// client speaks to the bridge, emulating the vendor wireless dongle. The
// frame embeds an inverter-protocol data frame (see modbus/rtu) between a
// small fixed header and a trailing CRC-16.
package dongle

const (
	magicByte0 = 0xA1
	magicByte1 = 0x1A

	protocolVersionRequest  = 2
	protocolVersionResponse = 5

	reservedByte      = 1
	innerFunctionByte = 0xC2

	serialLen = 10

	// headerLen is the length of the fixed header preceding the embedded
	// data frame (magic, version, frame length, reserved, function,
	// dongle serial, data-frame length).
	headerLen = 20

	// minRequestLen is the minimum total length of a client request: the
	// fixed header plus an 18-byte read or single-write data frame.
	minRequestLen = headerLen + 18
)
