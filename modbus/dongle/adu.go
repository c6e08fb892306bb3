// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dongle

import (
	"fmt"

	"github.com/f-garofalo/openlux-bridge/modbus/crc"
	"github.com/f-garofalo/openlux-bridge/modbus/rtu"
)

// Parsed is the decoded form of a client TCP request.
type Parsed struct {
	DongleSerial   [serialLen]byte
	InverterSerial [serialLen]byte
	Function       byte
	StartRegister  uint16
	// RegisterCount is the read count, 1 for a single write, or the
	// written count for a multi-write.
	RegisterCount int
	// Values holds the register values for a single or multi-register
	// write. It is nil for reads.
	Values []uint16
	// InverterRequest is the embedded data frame, verbatim. It is already
	// a well-formed inverter-protocol request (see modbus/rtu) carrying
	// the client-supplied inverter serial and a valid CRC, but the
	// arbiter re-encodes with its own detected serial rather than
	// forwarding this slice, per the serial-number field policy.
	InverterRequest []byte
}

// DecodeRequest parses a client TCP request. It validates the magic
// prefix, a minimum length of 38 bytes, the nested function byte (0xC2),
// and the CRC-16 over the embedded data frame. A CRC mismatch is treated
// as a structural failure here, unlike the leniency modbus/rtu.DecodeResponse
// affords the serial side: a client that can't compute its own frame's CRC
// correctly gets no benefit of the doubt.
func DecodeRequest(b []byte) (*Parsed, error) {
	if len(b) < minRequestLen {
		return nil, fmt.Errorf("dongle: request too short: %d bytes, want at least %d", len(b), minRequestLen)
	}
	if b[0] != magicByte0 || b[1] != magicByte1 {
		return nil, fmt.Errorf("dongle: bad magic prefix % x", b[:2])
	}
	if b[7] != innerFunctionByte {
		return nil, fmt.Errorf("dongle: unexpected nested function %#02x, want %#02x", b[7], innerFunctionByte)
	}

	dataFrameLen := int(crc.Uint16LE(b[18:20]))
	if dataFrameLen < 18 {
		return nil, fmt.Errorf("dongle: data-frame length %d too short", dataFrameLen)
	}
	total := headerLen + dataFrameLen
	if len(b) < total {
		return nil, fmt.Errorf("dongle: request truncated: have %d bytes, need %d", len(b), total)
	}

	dataFrame := b[headerLen:total]
	if crc.Uint16LE(dataFrame[len(dataFrame)-2:]) != crc.Compute(dataFrame[:len(dataFrame)-2]) {
		return nil, fmt.Errorf("dongle: data frame CRC mismatch")
	}

	p := &Parsed{
		Function:        dataFrame[1],
		InverterRequest: append([]byte(nil), dataFrame...),
	}
	copy(p.DongleSerial[:], b[8:18])
	copy(p.InverterSerial[:], dataFrame[2:12])
	p.StartRegister = crc.Uint16LE(dataFrame[12:14])

	switch p.Function {
	case rtu.FuncReadHolding, rtu.FuncReadInput:
		if dataFrameLen != 18 {
			return nil, fmt.Errorf("dongle: read request data-frame length %d, want 18", dataFrameLen)
		}
		count := int(crc.Uint16LE(dataFrame[14:16]))
		if count < 1 || count > rtu.MaxRegisters {
			return nil, fmt.Errorf("dongle: register count %d out of range [1,%d]", count, rtu.MaxRegisters)
		}
		p.RegisterCount = count

	case rtu.FuncWriteSingle:
		if dataFrameLen != 18 {
			return nil, fmt.Errorf("dongle: write-single data-frame length %d, want 18", dataFrameLen)
		}
		p.RegisterCount = 1
		p.Values = []uint16{crc.Uint16LE(dataFrame[14:16])}

	case rtu.FuncWriteMultple:
		count := int(crc.Uint16LE(dataFrame[14:16]))
		if count < 1 || count > rtu.MaxRegisters {
			return nil, fmt.Errorf("dongle: register count %d out of range [1,%d]", count, rtu.MaxRegisters)
		}
		byteCount := int(dataFrame[16])
		if byteCount != count*2 {
			return nil, fmt.Errorf("dongle: byte count %d does not match register count %d", byteCount, count)
		}
		wantLen := 17 + byteCount + 2
		if dataFrameLen != wantLen {
			return nil, fmt.Errorf("dongle: write-multiple data-frame length %d, want %d", dataFrameLen, wantLen)
		}
		values := make([]uint16, count)
		for i := 0; i < count; i++ {
			values[i] = crc.Uint16LE(dataFrame[17+i*2:])
		}
		p.RegisterCount = count
		p.Values = values

	default:
		return nil, fmt.Errorf("dongle: unsupported inverter function code %#02x", p.Function)
	}

	return p, nil
}

// EncodeResponse wraps an inverter-protocol response frame (as produced by
// the serial bus, see modbus/rtu) for delivery to a TCP client. It embeds
// inverterResp verbatim except for its own trailing two CRC bytes, then
// computes a fresh CRC-16 over the embedded span.
func EncodeResponse(inverterResp []byte, dongleSerial []byte) ([]byte, error) {
	if len(inverterResp) < 2 {
		return nil, fmt.Errorf("dongle: inverter response too short to embed: %d bytes", len(inverterResp))
	}
	embedded := inverterResp[:len(inverterResp)-2]
	dataFrameLen := len(embedded)
	total := headerLen + dataFrameLen + 2

	b := make([]byte, total)
	b[0], b[1] = magicByte0, magicByte1
	crc.PutUint16LE(b[2:4], protocolVersionResponse)
	crc.PutUint16LE(b[4:6], uint16(total-6))
	b[6] = reservedByte
	b[7] = innerFunctionByte
	putDongleSerial(b[8:18], dongleSerial)
	crc.PutUint16LE(b[18:20], uint16(dataFrameLen))
	copy(b[headerLen:headerLen+dataFrameLen], embedded)
	crc.PutUint16LE(b[total-2:], crc.Compute(b[headerLen:headerLen+dataFrameLen]))
	return b, nil
}

func putDongleSerial(dst []byte, serial []byte) {
	for i := range dst {
		dst[i] = 0
	}
	n := len(serial)
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, serial[:n])
}
