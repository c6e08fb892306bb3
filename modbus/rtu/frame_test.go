// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"testing"
)

var testSerial = []byte("1234567890")

func TestEncodeReadRejectsBadCount(t *testing.T) {
	if _, err := EncodeRead(FuncReadHolding, 0, 0, testSerial); err == nil {
		t.Fatal("expected error for count 0")
	}
	if _, err := EncodeRead(FuncReadHolding, 0, 128, testSerial); err == nil {
		t.Fatal("expected error for count 128")
	}
	if _, err := EncodeRead(0x07, 0, 1, testSerial); err == nil {
		t.Fatal("expected error for bad function code")
	}
}

func TestEncodeReadShape(t *testing.T) {
	b, err := EncodeRead(FuncReadInput, 40, 40, testSerial)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 18 {
		t.Fatalf("expected 18 bytes, got %d", len(b))
	}
	if !checkCRC(b) {
		t.Fatal("CRC should validate")
	}
	if b[0] != AddrRequest || b[1] != FuncReadInput {
		t.Fatalf("unexpected header: % x", b[:2])
	}
}

func TestEncodeWriteSingleAndMultiple(t *testing.T) {
	single, err := EncodeWrite(21, []uint16{3}, testSerial)
	if err != nil {
		t.Fatal(err)
	}
	if len(single) != 18 || single[1] != FuncWriteSingle {
		t.Fatalf("unexpected single-write frame: % x", single)
	}

	multi, err := EncodeWrite(100, []uint16{1, 2, 3, 4, 5}, testSerial)
	if err != nil {
		t.Fatal(err)
	}
	wantLen := 17 + 2*5 + 2
	if len(multi) != wantLen || multi[1] != FuncWriteMultple {
		t.Fatalf("unexpected multi-write frame length %d, want %d", len(multi), wantLen)
	}
	if multi[16] != 10 {
		t.Fatalf("expected byte count 10, got %d", multi[16])
	}

	if _, err := EncodeWrite(0, nil, testSerial); err == nil {
		t.Fatal("expected error for zero values")
	}
	values := make([]uint16, 128)
	if _, err := EncodeWrite(0, values, testSerial); err == nil {
		t.Fatal("expected error for 128 values")
	}
}

// Property 2: decode_response(encode_read_response(f, s, values)) round-trips.
func TestReadResponseDuality(t *testing.T) {
	cases := []struct {
		function byte
		start    uint16
		values   []uint16
	}{
		{FuncReadHolding, 0, []uint16{1, 2, 3}},
		{FuncReadInput, 1000, []uint16{0xFFFF}},
		{FuncReadHolding, 40, make([]uint16, 40)},
	}

	for _, c := range cases {
		raw, err := EncodeReadResponse(c.function, c.start, c.values, testSerial)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		parsed, err := DecodeResponse(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !parsed.CRCValid {
			t.Fatal("expected valid CRC")
		}
		if parsed.BaseFunction != c.function {
			t.Fatalf("function mismatch: got %#02x, want %#02x", parsed.BaseFunction, c.function)
		}
		if parsed.StartRegister != c.start {
			t.Fatalf("start mismatch: got %d, want %d", parsed.StartRegister, c.start)
		}
		if len(parsed.Values) != len(c.values) {
			t.Fatalf("value count mismatch: got %d, want %d", len(parsed.Values), len(c.values))
		}
		for i := range c.values {
			if parsed.Values[i] != c.values[i] {
				t.Fatalf("value[%d] mismatch: got %d, want %d", i, parsed.Values[i], c.values[i])
			}
		}
	}
}

func TestWriteResponseRoundTrip(t *testing.T) {
	single := EncodeWriteSingleResponse(21, 3, testSerial)
	parsed, err := DecodeResponse(single)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.RegisterCount != 1 || parsed.Values[0] != 3 {
		t.Fatalf("unexpected single-write parse: %+v", parsed)
	}

	multi := EncodeWriteMultipleResponse(100, 5, testSerial)
	parsed, err = DecodeResponse(multi)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.RegisterCount != 5 {
		t.Fatalf("unexpected multi-write count: %d", parsed.RegisterCount)
	}
}

func TestDecodeResponseCRCMismatchIsLenient(t *testing.T) {
	raw, err := EncodeReadResponse(FuncReadHolding, 0, []uint16{1, 2}, testSerial)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xFF // corrupt the CRC

	parsed, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("CRC mismatch must not fail the decode: %v", err)
	}
	if parsed.CRCValid {
		t.Fatal("expected CRCValid to be false")
	}
	if len(parsed.Values) != 2 {
		t.Fatal("expected parsed values to still be present")
	}
}

func TestDecodeExceptionResponse(t *testing.T) {
	raw := EncodeException(FuncWriteSingle, 0x02, testSerial)
	parsed, err := DecodeResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.IsException || parsed.ExceptionCode != 0x02 {
		t.Fatalf("unexpected exception parse: %+v", parsed)
	}
	if parsed.BaseFunction != FuncWriteSingle {
		t.Fatalf("expected base function %#02x, got %#02x", FuncWriteSingle, parsed.BaseFunction)
	}
}

func TestDecodeResponseRejectsBadAddressAndFunction(t *testing.T) {
	raw, _ := EncodeReadResponse(FuncReadHolding, 0, []uint16{1}, testSerial)
	bad := append([]byte(nil), raw...)
	bad[0] = 0x00
	if _, err := DecodeResponse(bad); err == nil {
		t.Fatal("expected error for request address on a response")
	}

	bad = append([]byte(nil), raw...)
	bad[1] = 0x99
	if _, err := DecodeResponse(bad); err == nil {
		t.Fatal("expected error for unsupported function code")
	}
}

// Property 4: split_frames consumes exactly sum(lengths) bytes, and running
// it on a prefix yields a prefix of the frame list.
func TestSplitFramesIdempotence(t *testing.T) {
	req, _ := EncodeRead(FuncReadHolding, 100, 5, testSerial)
	resp, _ := EncodeReadResponse(FuncReadHolding, 100, []uint16{1, 2, 3, 4, 5}, testSerial)
	write := EncodeWriteSingleResponse(21, 3, testSerial)

	full := append(append(append([]byte{}, req...), resp...), write...)

	frames := SplitFrames(full)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	consumed := 0
	for _, f := range frames {
		consumed += f.Length
	}
	if consumed != len(full) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(full), consumed)
	}

	prefixLen := len(req) + len(resp)
	prefixFrames := SplitFrames(full[:prefixLen])
	if len(prefixFrames) != 2 {
		t.Fatalf("expected 2 frames on prefix, got %d", len(prefixFrames))
	}
	for i := range prefixFrames {
		if !bytes.Equal(prefixFrames[i].Raw, frames[i].Raw) {
			t.Fatalf("prefix frame %d does not match full frame list", i)
		}
	}
}

func TestSplitFramesSkipsUnknownBytes(t *testing.T) {
	resp, _ := EncodeReadResponse(FuncReadHolding, 0, []uint16{7}, testSerial)
	noise := []byte{0xAA, 0xBB, 0xCC}
	full := append(append([]byte{}, noise...), resp...)

	frames := SplitFrames(full)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after skipping noise, got %d", len(frames))
	}
	if frames[0].Offset != len(noise) {
		t.Fatalf("expected frame offset %d, got %d", len(noise), frames[0].Offset)
	}
}

func TestSplitFramesStopsOnIncompleteTrailer(t *testing.T) {
	resp, _ := EncodeReadResponse(FuncReadHolding, 0, []uint16{7, 8}, testSerial)
	truncated := resp[:len(resp)-3]

	frames := SplitFrames(truncated)
	if len(frames) != 0 {
		t.Fatalf("expected no frames from a truncated trailer, got %d", len(frames))
	}
}

// Property 5 / S4: multi-master tolerance.
func TestFindMatchingResponseAmongForeignTraffic(t *testing.T) {
	foreignReq, _ := EncodeRead(FuncReadHolding, 5, 1, []byte("0000000001"))
	foreignResp, _ := EncodeReadResponse(FuncReadHolding, 5, []uint16{42}, []byte("0000000001"))
	ourResp, _ := EncodeReadResponse(FuncReadHolding, 100, []uint16{1, 2, 3, 4, 5}, testSerial)

	bus := append(append(append([]byte{}, foreignReq...), foreignResp...), ourResp...)
	frames := SplitFrames(bus)

	idx, ok := FindMatchingResponse(frames, FuncReadHolding, 100)
	if !ok {
		t.Fatal("expected to find our response")
	}
	if !bytes.Equal(frames[idx].Raw, ourResp) {
		t.Fatal("matched frame is not our response")
	}
}

func TestFindMatchingResponseException(t *testing.T) {
	exc := EncodeException(FuncWriteSingle, 0x02, testSerial)
	frames := SplitFrames(exc)
	idx, ok := FindMatchingResponse(frames, FuncWriteSingle, 999)
	if !ok || idx != 0 {
		t.Fatal("expected exception response to match on function alone")
	}
}
