// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/f-garofalo/openlux-bridge/modbus/crc"
)

// Parsed is the decoded form of an inverter response frame.
type Parsed struct {
	Raw           []byte
	Address       byte
	Function      byte // as seen on the wire; may carry ExceptionFlag
	BaseFunction  byte // Function with ExceptionFlag cleared
	IsException   bool
	ExceptionCode byte
	Serial        [SerialLen]byte
	StartRegister uint16
	// RegisterCount is byte_count/2 for reads, 1 for a 0x06 echo, and the
	// echoed count for a 0x10 response.
	RegisterCount int
	// Values holds the decoded register values for reads and the single
	// echoed value for 0x06. It is nil for 0x10 and exception responses.
	Values []uint16
	// CRCValid reports whether the trailing CRC matched. A mismatch does
	// not prevent a Parsed result from being returned; the caller decides
	// whether to trust it.
	CRCValid bool
}

// EncodeRead builds an 18-byte read request for function 0x03 or 0x04.
func EncodeRead(function byte, start uint16, count int, serial []byte) ([]byte, error) {
	if function != FuncReadHolding && function != FuncReadInput {
		return nil, fmt.Errorf("rtu: encode read: unsupported function %#02x", function)
	}
	if count < 1 || count > MaxRegisters {
		return nil, fmt.Errorf("rtu: encode read: register count %d out of range [1,%d]", count, MaxRegisters)
	}

	b := make([]byte, FixedFrameLen)
	b[0] = AddrRequest
	b[1] = function
	putSerial(b[2:12], serial)
	crc.PutUint16LE(b[12:14], start)
	crc.PutUint16LE(b[14:16], uint16(count))
	crc.PutUint16LE(b[16:18], crc.Compute(b[:16]))
	return b, nil
}

// EncodeWrite builds a write request: an 18-byte single-register frame
// (function 0x06) when len(values) == 1, or a variable-length frame
// (function 0x10) otherwise.
func EncodeWrite(start uint16, values []uint16, serial []byte) ([]byte, error) {
	n := len(values)
	if n < 1 || n > MaxRegisters {
		return nil, fmt.Errorf("rtu: encode write: value count %d out of range [1,%d]", n, MaxRegisters)
	}

	if n == 1 {
		b := make([]byte, FixedFrameLen)
		b[0] = AddrRequest
		b[1] = FuncWriteSingle
		putSerial(b[2:12], serial)
		crc.PutUint16LE(b[12:14], start)
		crc.PutUint16LE(b[14:16], values[0])
		crc.PutUint16LE(b[16:18], crc.Compute(b[:16]))
		return b, nil
	}

	byteCount := n * 2
	length := 17 + byteCount + 2
	b := make([]byte, length)
	b[0] = AddrRequest
	b[1] = FuncWriteMultple
	putSerial(b[2:12], serial)
	crc.PutUint16LE(b[12:14], start)
	crc.PutUint16LE(b[14:16], uint16(n))
	b[16] = byte(byteCount)
	for i, v := range values {
		crc.PutUint16LE(b[17+i*2:], v)
	}
	crc.PutUint16LE(b[length-2:], crc.Compute(b[:length-2]))
	return b, nil
}

// putSerial zero-pads or truncates serial into the fixed 10-byte field.
func putSerial(dst []byte, serial []byte) {
	for i := range dst {
		dst[i] = 0
	}
	n := len(serial)
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, serial[:n])
}

// checkCRC reports whether the trailing two bytes of b are a valid CRC-16
// over the rest of b.
func checkCRC(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return crc.Uint16LE(b[len(b)-2:]) == crc.Compute(b[:len(b)-2])
}

// DecodeResponse parses a response frame (leading address 0x01). It accepts
// exception responses (ExceptionFlag set, exactly 15 bytes) and normal
// responses for the four supported function codes. A CRC mismatch does not
// fail the decode: CRCValid is set false but the parsed fields are still
// returned, so the caller (the bridge coordinator) can apply its own
// validation policy.
func DecodeResponse(b []byte) (*Parsed, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("rtu: response too short: %d bytes", len(b))
	}
	if b[0] != AddrResponse {
		return nil, fmt.Errorf("rtu: response address %#02x, want %#02x", b[0], AddrResponse)
	}

	function := b[1]
	base := function &^ ExceptionFlag
	switch base {
	case FuncReadHolding, FuncReadInput, FuncWriteSingle, FuncWriteMultple:
	default:
		return nil, fmt.Errorf("rtu: unsupported function code %#02x", base)
	}

	p := &Parsed{
		Raw:          append([]byte(nil), b...),
		Address:      b[0],
		Function:     function,
		BaseFunction: base,
		IsException:  function&ExceptionFlag != 0,
	}

	if p.IsException {
		if len(b) != ExceptionFrameLen {
			return nil, fmt.Errorf("rtu: exception response length %d, want %d", len(b), ExceptionFrameLen)
		}
		copy(p.Serial[:], b[2:12])
		p.ExceptionCode = b[12]
		p.CRCValid = checkCRC(b)
		return p, nil
	}

	if len(b) < 14 {
		return nil, fmt.Errorf("rtu: response too short for header: %d bytes", len(b))
	}
	copy(p.Serial[:], b[2:12])
	p.StartRegister = crc.Uint16LE(b[12:14])

	switch base {
	case FuncReadHolding, FuncReadInput:
		if len(b) < 15 {
			return nil, fmt.Errorf("rtu: read response missing byte count")
		}
		byteCount := int(b[14])
		if byteCount%2 != 0 {
			return nil, fmt.Errorf("rtu: odd byte count %d", byteCount)
		}
		want := 17 + byteCount
		if len(b) != want {
			return nil, fmt.Errorf("rtu: read response length %d, want %d", len(b), want)
		}
		count := byteCount / 2
		values := make([]uint16, count)
		data := b[15 : 15+byteCount]
		for i := 0; i < count; i++ {
			values[i] = crc.Uint16LE(data[i*2:])
		}
		p.RegisterCount = count
		p.Values = values
	case FuncWriteSingle:
		if len(b) != FixedFrameLen {
			return nil, fmt.Errorf("rtu: write-single response length %d, want %d", len(b), FixedFrameLen)
		}
		p.RegisterCount = 1
		p.Values = []uint16{crc.Uint16LE(b[14:16])}
	case FuncWriteMultple:
		if len(b) != FixedFrameLen {
			return nil, fmt.Errorf("rtu: write-multiple response length %d, want %d", len(b), FixedFrameLen)
		}
		p.RegisterCount = int(crc.Uint16LE(b[14:16]))
	}

	p.CRCValid = checkCRC(b)
	return p, nil
}

// FrameLength returns the expected length of the frame beginning at b[0],
// or 0 if not yet decidable from the bytes available. It returns 18 for
// any request, 15 for any exception response, 17+byte_count for 0x03/0x04
// responses (once the byte-count field is available), and 18 for 0x06/0x10
// responses.
func FrameLength(b []byte) int {
	if len(b) < 2 {
		return 0
	}
	switch b[0] {
	case AddrRequest:
		return FixedFrameLen
	case AddrResponse:
	default:
		return 0
	}

	function := b[1]
	if function&ExceptionFlag != 0 {
		return ExceptionFrameLen
	}
	switch function {
	case FuncReadHolding, FuncReadInput:
		if len(b) < 15 {
			return 0
		}
		return 17 + int(b[14])
	case FuncWriteSingle, FuncWriteMultple:
		return FixedFrameLen
	default:
		return 0
	}
}
