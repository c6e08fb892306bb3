// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/f-garofalo/openlux-bridge/modbus/crc"
)

// ParsedRequest is the decoded form of a request frame (leading address
// 0x00). The arbiter never needs this — it only builds requests — but the
// fake inverter test fixture plays the inverter's side of the bus and
// needs the inverse of EncodeRead/EncodeWrite.
type ParsedRequest struct {
	Raw           []byte
	Function      byte
	Serial        [SerialLen]byte
	StartRegister uint16
	// Count is the register count for a read or write-multiple request,
	// or 1 for a write-single request.
	Count int
	// Values holds the value(s) to write. It is nil for reads.
	Values   []uint16
	CRCValid bool
}

// DecodeRequest parses a request frame. As with DecodeResponse, a CRC
// mismatch does not fail the decode: CRCValid is set false but the parsed
// fields are still returned, leaving the caller to decide whether to act
// on them.
func DecodeRequest(b []byte) (*ParsedRequest, error) {
	if len(b) < FixedFrameLen {
		return nil, fmt.Errorf("rtu: request too short: %d bytes", len(b))
	}
	if b[0] != AddrRequest {
		return nil, fmt.Errorf("rtu: request address %#02x, want %#02x", b[0], AddrRequest)
	}

	function := b[1]
	switch function {
	case FuncReadHolding, FuncReadInput, FuncWriteSingle, FuncWriteMultple:
	default:
		return nil, fmt.Errorf("rtu: unsupported function code %#02x", function)
	}

	p := &ParsedRequest{Function: function}
	copy(p.Serial[:], b[2:12])
	p.StartRegister = crc.Uint16LE(b[12:14])

	switch function {
	case FuncReadHolding, FuncReadInput, FuncWriteSingle:
		if len(b) != FixedFrameLen {
			return nil, fmt.Errorf("rtu: request length %d, want %d", len(b), FixedFrameLen)
		}
		if function == FuncWriteSingle {
			p.Count = 1
			p.Values = []uint16{crc.Uint16LE(b[14:16])}
		} else {
			p.Count = int(crc.Uint16LE(b[14:16]))
			if p.Count < 1 || p.Count > MaxRegisters {
				return nil, fmt.Errorf("rtu: register count %d out of range [1,%d]", p.Count, MaxRegisters)
			}
		}

	case FuncWriteMultple:
		count := int(crc.Uint16LE(b[14:16]))
		if count < 1 || count > MaxRegisters {
			return nil, fmt.Errorf("rtu: register count %d out of range [1,%d]", count, MaxRegisters)
		}
		if len(b) < 17 {
			return nil, fmt.Errorf("rtu: write-multiple request missing byte count")
		}
		byteCount := int(b[16])
		if byteCount != count*2 {
			return nil, fmt.Errorf("rtu: byte count %d does not match register count %d", byteCount, count)
		}
		want := 17 + byteCount + 2
		if len(b) != want {
			return nil, fmt.Errorf("rtu: write-multiple request length %d, want %d", len(b), want)
		}
		values := make([]uint16, count)
		for i := 0; i < count; i++ {
			values[i] = crc.Uint16LE(b[17+i*2:])
		}
		p.Count = count
		p.Values = values
	}

	p.Raw = append([]byte(nil), b...)
	p.CRCValid = checkCRC(b)
	return p, nil
}
