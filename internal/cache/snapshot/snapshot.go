// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package snapshot is an optional, disabled-by-default mirror of the
// bridge's fallback cache onto a memory-mapped file, so a restart does not
// lose the last-known-good responses a dongle would otherwise still be
// holding in RAM. It is a write-through companion to internal/cache, not
// a replacement for it: the in-memory cache remains authoritative for TTL
// and eviction, and the store only mirrors what Put already decided to
// keep.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/f-garofalo/openlux-bridge/modbus/rtu"
)

// maxResponseSize bounds the response payload mirrored into a slot. It
// covers the largest TCP response the bridge can ever produce: a
// rtu.MaxRegisters-register read, which the inverter encodes as a
// 17+2*rtu.MaxRegisters byte frame (modbus/rtu.DecodeResponse), and
// modbus/dongle.EncodeResponse wraps in a 20-byte header plus that frame
// minus its own trailing CRC plus a fresh 2-byte CRC.
const maxResponseSize = 20 + (17 + 2*rtu.MaxRegisters - 2) + 2

// Slot layout, one per cache_max_entries:
//
//	0:      occupied flag (0 = empty, 1 = occupied)
//	1:      function code
//	2-3:    start register, big-endian
//	4-5:    register count, big-endian
//	6-13:   created-at, Unix nanoseconds, big-endian
//	14-15:  response length, big-endian
//	16-306: response bytes, zero-padded
const (
	slotOccupiedOff = 0
	slotFunctionOff = 1
	slotStartOff    = 2
	slotCountOff    = 4
	slotCreatedOff  = 6
	slotRespLenOff  = 14
	slotRespOff     = 16
	slotSize        = slotRespOff + maxResponseSize
)

// Record is one mirrored cache entry, keyed the same way cache.Fingerprint
// is but kept free of a dependency on the cache package so the two can be
// wired together in either direction.
type Record struct {
	Function  byte
	Start     uint16
	Count     uint16
	Response  []byte
	CreatedAt time.Time
}

// Store memory-maps a fixed-layout file of maxEntries slots. It is safe
// for concurrent use.
type Store struct {
	path       string
	maxEntries int

	mu   sync.Mutex
	file *os.File
	data mmap.MMap
}

// Open prepares a Store for path without yet mapping it; call Load to map
// the file and read back whatever it already holds.
func Open(path string, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = 10
	}
	return &Store{path: path, maxEntries: maxEntries}
}

// Load maps the backing file, creating it if it does not already exist and
// resizing it if it is the wrong size (bytes added by a resize are zero;
// bytes already within the new size are kept), and returns every occupied
// slot.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(s.maxEntries * slotSize)

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", s.path, err)
	}
	s.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: stat %s: %w", s.path, err)
	}
	if fi.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("snapshot: resize %s: %w", s.path, err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: mmap %s: %w", s.path, err)
	}
	s.data = data

	var out []Record
	for i := 0; i < s.maxEntries; i++ {
		if rec, ok := readSlot(s.data[i*slotSize : (i+1)*slotSize]); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Put writes through rec to the slot already holding its key, or the
// first free slot otherwise. If the store is full and the key is not
// already present, the oldest slot (by created-at) is reused, mirroring
// the in-memory cache's own eviction choice.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}

	freeIdx := -1
	oldestIdx := -1
	var oldestAt time.Time
	for i := 0; i < s.maxEntries; i++ {
		slot := s.data[i*slotSize : (i+1)*slotSize]
		existing, ok := readSlot(slot)
		if !ok {
			if freeIdx == -1 {
				freeIdx = i
			}
			continue
		}
		if existing.Function == rec.Function && existing.Start == rec.Start && existing.Count == rec.Count {
			if err := writeSlot(slot, rec); err != nil {
				return err
			}
			return s.data.Flush()
		}
		if oldestIdx == -1 || existing.CreatedAt.Before(oldestAt) {
			oldestIdx, oldestAt = i, existing.CreatedAt
		}
	}

	idx := freeIdx
	if idx == -1 {
		idx = oldestIdx
	}
	if idx == -1 {
		return fmt.Errorf("snapshot: no slot available")
	}
	if err := writeSlot(s.data[idx*slotSize:(idx+1)*slotSize], rec); err != nil {
		return err
	}
	return s.data.Flush()
}

// Close unmaps and closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.data != nil {
		if e := s.data.Unmap(); e != nil {
			err = e
		}
		s.data = nil
	}
	if s.file != nil {
		if e := s.file.Close(); e != nil {
			err = e
		}
		s.file = nil
	}
	return err
}

func readSlot(slot []byte) (Record, bool) {
	if slot[slotOccupiedOff] == 0 {
		return Record{}, false
	}
	respLen := binary.BigEndian.Uint16(slot[slotRespLenOff : slotRespLenOff+2])
	if int(respLen) > maxResponseSize {
		return Record{}, false
	}
	resp := make([]byte, respLen)
	copy(resp, slot[slotRespOff:slotRespOff+int(respLen)])

	return Record{
		Function:  slot[slotFunctionOff],
		Start:     binary.BigEndian.Uint16(slot[slotStartOff : slotStartOff+2]),
		Count:     binary.BigEndian.Uint16(slot[slotCountOff : slotCountOff+2]),
		Response:  resp,
		CreatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(slot[slotCreatedOff:slotCreatedOff+8]))),
	}, true
}

func writeSlot(slot []byte, rec Record) error {
	n := len(rec.Response)
	if n > maxResponseSize {
		return fmt.Errorf("snapshot: response %d bytes exceeds slot capacity %d", n, maxResponseSize)
	}

	for i := range slot {
		slot[i] = 0
	}
	slot[slotOccupiedOff] = 1
	slot[slotFunctionOff] = rec.Function
	binary.BigEndian.PutUint16(slot[slotStartOff:slotStartOff+2], rec.Start)
	binary.BigEndian.PutUint16(slot[slotCountOff:slotCountOff+2], rec.Count)
	binary.BigEndian.PutUint64(slot[slotCreatedOff:slotCreatedOff+8], uint64(rec.CreatedAt.UnixNano()))

	binary.BigEndian.PutUint16(slot[slotRespLenOff:slotRespLenOff+2], uint16(n))
	copy(slot[slotRespOff:slotRespOff+n], rec.Response)
	return nil
}
