// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

// FrameDescriptor is one frame located inside a byte span by SplitFrames.
type FrameDescriptor struct {
	Offset    int
	Length    int
	IsRequest bool
	Raw       []byte
	// Parsed is non-nil for responses that decoded successfully.
	Parsed *Parsed
}

// SplitFrames walks b left to right, classifying each offset as a request
// (leading 0x00), a response (leading 0x01, parsed immediately), or unknown
// traffic that is skipped one byte at a time. It guarantees forward
// progress: each loop iteration either consumes a full frame or advances a
// single byte, and it never consumes a frame whose bytes are not yet fully
// present in b.
func SplitFrames(b []byte) []FrameDescriptor {
	var frames []FrameDescriptor

	offset := 0
	for offset < len(b) {
		remaining := b[offset:]
		if len(remaining) < 2 {
			break
		}

		addr := remaining[0]
		if addr != AddrRequest && addr != AddrResponse {
			offset++
			continue
		}

		length := FrameLength(remaining)
		if length == 0 && len(remaining) >= ExceptionFrameLen {
			// Enough bytes for any complete frame, yet none starts here
			// (an unrecognized function byte): skip this byte.
			offset++
			continue
		}
		if length == 0 || length > len(remaining) {
			// Either undecidable yet, or the frame hasn't fully arrived.
			break
		}

		frameBytes := remaining[:length]
		desc := FrameDescriptor{
			Offset:    offset,
			Length:    length,
			IsRequest: addr == AddrRequest,
			Raw:       frameBytes,
		}
		if !desc.IsRequest {
			if parsed, err := DecodeResponse(frameBytes); err == nil {
				desc.Parsed = parsed
			}
		}

		frames = append(frames, desc)
		offset += length
	}

	return frames
}

// FindMatchingResponse scans frames for the first response whose base
// function and start register match expectedFunction/expectedStart.
// Exception responses match on function alone (they carry no start
// register). It returns -1, false if none match.
func FindMatchingResponse(frames []FrameDescriptor, expectedFunction byte, expectedStart uint16) (int, bool) {
	for i, f := range frames {
		if f.IsRequest || f.Parsed == nil {
			continue
		}
		if f.Parsed.BaseFunction != expectedFunction {
			continue
		}
		if f.Parsed.IsException {
			return i, true
		}
		if f.Parsed.StartRegister == expectedStart {
			return i, true
		}
	}
	return -1, false
}
