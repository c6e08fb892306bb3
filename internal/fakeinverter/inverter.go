// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package fakeinverter

import (
	"github.com/f-garofalo/openlux-bridge/modbus/crc"
	"github.com/f-garofalo/openlux-bridge/modbus/rtu"
)

// IdentityRegister and IdentityLength are where Inverter publishes its own
// ASCII serial number, matching the arbiter's identity-probe location.
const (
	IdentityRegister = 0
	IdentityLength   = 5
)

// Inverter answers request frames against an in-memory register bank,
// the way the real device would. Construct it with a serial number; it
// seeds the identity registers so an arbiter's probe succeeds against it.
type Inverter struct {
	serial  []byte
	holding registerBank
	input   registerBank
}

// New returns an Inverter identifying itself as serial on the bus.
func New(serial string) *Inverter {
	inv := &Inverter{serial: []byte(serial)}
	packed := packASCII([]byte(serial))
	inv.holding.write(IdentityRegister, packed)
	return inv
}

// SetHolding and SetInput seed registers directly, for test setup.
func (inv *Inverter) SetHolding(start uint16, values []uint16) error {
	return inv.holding.write(start, values)
}

func (inv *Inverter) SetInput(start uint16, values []uint16) error {
	return inv.input.write(start, values)
}

// Respond decodes one request frame and returns the corresponding
// response frame (or an exception frame), as the real inverter would.
// ok is false only when req itself fails to decode — not a protocol
// condition the inverter can answer to at all.
func (inv *Inverter) Respond(req []byte) (resp []byte, ok bool) {
	parsed, err := rtu.DecodeRequest(req)
	if err != nil {
		return nil, false
	}

	switch parsed.Function {
	case rtu.FuncReadHolding:
		return inv.handleRead(&inv.holding, parsed), true
	case rtu.FuncReadInput:
		return inv.handleRead(&inv.input, parsed), true
	case rtu.FuncWriteSingle:
		return inv.handleWriteSingle(parsed), true
	case rtu.FuncWriteMultple:
		return inv.handleWriteMultiple(parsed), true
	default:
		return rtu.EncodeException(parsed.Function, 0x01, inv.serial), true
	}
}

func (inv *Inverter) handleRead(bank *registerBank, parsed *rtu.ParsedRequest) []byte {
	values, err := bank.read(parsed.StartRegister, parsed.Count)
	if err != nil {
		return rtu.EncodeException(parsed.Function, 0x02, inv.serial)
	}
	resp, err := rtu.EncodeReadResponse(parsed.Function, parsed.StartRegister, values, inv.serial)
	if err != nil {
		return rtu.EncodeException(parsed.Function, 0x04, inv.serial)
	}
	return resp
}

func (inv *Inverter) handleWriteSingle(parsed *rtu.ParsedRequest) []byte {
	if err := inv.holding.write(parsed.StartRegister, parsed.Values); err != nil {
		return rtu.EncodeException(parsed.Function, 0x02, inv.serial)
	}
	return rtu.EncodeWriteSingleResponse(parsed.StartRegister, parsed.Values[0], inv.serial)
}

func (inv *Inverter) handleWriteMultiple(parsed *rtu.ParsedRequest) []byte {
	if err := inv.holding.write(parsed.StartRegister, parsed.Values); err != nil {
		return rtu.EncodeException(parsed.Function, 0x02, inv.serial)
	}
	return rtu.EncodeWriteMultipleResponse(parsed.StartRegister, parsed.Count, inv.serial)
}

// packASCII packs ASCII bytes two-per-register, low byte first, matching
// the arbiter's decodeSerialFromRegisters convention.
func packASCII(s []byte) []uint16 {
	padded := make([]byte, IdentityLength*2)
	copy(padded, s)
	out := make([]uint16, IdentityLength)
	for i := range out {
		out[i] = crc.Uint16LE(padded[i*2:])
	}
	return out
}
