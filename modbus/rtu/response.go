// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/f-garofalo/openlux-bridge/modbus/crc"
)

// The encoders below build response frames. Production code never emits a
// response — only the inverter does — but the fake inverter used in tests,
// and the duality tests themselves, need the inverse of DecodeResponse.

// EncodeReadResponse builds a 0x03/0x04 response carrying values.
func EncodeReadResponse(function byte, start uint16, values []uint16, serial []byte) ([]byte, error) {
	if function != FuncReadHolding && function != FuncReadInput {
		return nil, fmt.Errorf("rtu: encode read response: unsupported function %#02x", function)
	}
	if len(values) < 1 || len(values) > MaxRegisters {
		return nil, fmt.Errorf("rtu: encode read response: register count %d out of range [1,%d]", len(values), MaxRegisters)
	}

	byteCount := len(values) * 2
	length := 17 + byteCount
	b := make([]byte, length)
	b[0] = AddrResponse
	b[1] = function
	putSerial(b[2:12], serial)
	crc.PutUint16LE(b[12:14], start)
	b[14] = byte(byteCount)
	for i, v := range values {
		crc.PutUint16LE(b[15+i*2:], v)
	}
	crc.PutUint16LE(b[length-2:], crc.Compute(b[:length-2]))
	return b, nil
}

// EncodeWriteSingleResponse builds the 0x06 echo response.
func EncodeWriteSingleResponse(start, value uint16, serial []byte) []byte {
	b := make([]byte, FixedFrameLen)
	b[0] = AddrResponse
	b[1] = FuncWriteSingle
	putSerial(b[2:12], serial)
	crc.PutUint16LE(b[12:14], start)
	crc.PutUint16LE(b[14:16], value)
	crc.PutUint16LE(b[16:18], crc.Compute(b[:16]))
	return b
}

// EncodeWriteMultipleResponse builds the 0x10 echo response, which reports
// the register count rather than the written values.
func EncodeWriteMultipleResponse(start uint16, count int, serial []byte) []byte {
	b := make([]byte, FixedFrameLen)
	b[0] = AddrResponse
	b[1] = FuncWriteMultple
	putSerial(b[2:12], serial)
	crc.PutUint16LE(b[12:14], start)
	crc.PutUint16LE(b[14:16], uint16(count))
	crc.PutUint16LE(b[16:18], crc.Compute(b[:16]))
	return b
}

// EncodeException builds a 15-byte exception response for function
// (without the exception flag) and the given Modbus-style exception code.
func EncodeException(function byte, exceptionCode byte, serial []byte) []byte {
	b := make([]byte, ExceptionFrameLen)
	b[0] = AddrResponse
	b[1] = function | ExceptionFlag
	putSerial(b[2:12], serial)
	b[12] = exceptionCode
	crc.PutUint16LE(b[13:15], crc.Compute(b[:13]))
	return b
}
