// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package snapshot

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPutThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "cache.snap"), 4)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rec := Record{Function: 0x03, Start: 100, Count: 5, Response: []byte{1, 2, 3}, CreatedAt: time.Unix(1000, 0)}
	if err := s.Put(rec); err != nil {
		t.Fatal(err)
	}

	records, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after reload, got %d", len(records))
	}
	got := records[0]
	if got.Function != rec.Function || got.Start != rec.Start || got.Count != rec.Count {
		t.Fatalf("unexpected key on reload: %+v", got)
	}
	if string(got.Response) != string(rec.Response) {
		t.Fatalf("unexpected response on reload: %v", got.Response)
	}
}

func TestPutOverwritesSameKey(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "cache.snap"), 4)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := Record{Function: 0x03, Start: 1, Count: 1, CreatedAt: time.Unix(1, 0)}
	key.Response = []byte{1}
	if err := s.Put(key); err != nil {
		t.Fatal(err)
	}
	key.Response = []byte{2}
	key.CreatedAt = time.Unix(2, 0)
	if err := s.Put(key); err != nil {
		t.Fatal(err)
	}

	records, _ := s.Load()
	if len(records) != 1 {
		t.Fatalf("expected the same key to overwrite in place, got %d records", len(records))
	}
	if string(records[0].Response) != "\x02" {
		t.Fatalf("expected the newer response to win, got %v", records[0].Response)
	}
}

func TestPutEvictsOldestWhenFull(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "cache.snap"), 2)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	mustPut := func(start uint16, at int64) {
		if err := s.Put(Record{Function: 0x03, Start: start, Count: 1, Response: []byte{byte(start)}, CreatedAt: time.Unix(at, 0)}); err != nil {
			t.Fatal(err)
		}
	}
	mustPut(1, 1)
	mustPut(2, 2)
	mustPut(3, 3)

	records, _ := s.Load()
	if len(records) != 2 {
		t.Fatalf("expected store to stay at its cap of 2, got %d", len(records))
	}
	for _, r := range records {
		if r.Start == 1 {
			t.Fatal("expected the oldest entry to have been evicted")
		}
	}
}

func TestPutAcceptsLargestLegalResponse(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "cache.snap"), 2)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	resp := make([]byte, maxResponseSize)
	for i := range resp {
		resp[i] = byte(i)
	}
	rec := Record{Function: 0x04, Start: 0, Count: 127, Response: resp, CreatedAt: time.Unix(1, 0)}
	if err := s.Put(rec); err != nil {
		t.Fatalf("expected a maximal-size response to fit a slot, got: %v", err)
	}

	records, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || len(records[0].Response) != maxResponseSize {
		t.Fatalf("expected the full %d-byte response to survive reload, got %+v", maxResponseSize, records)
	}
}

func TestPutRejectsOversizedResponse(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "cache.snap"), 2)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rec := Record{Function: 0x04, Start: 0, Count: 127, Response: make([]byte, maxResponseSize+1), CreatedAt: time.Unix(1, 0)}
	if err := s.Put(rec); err == nil {
		t.Fatal("expected Put to reject a response larger than a slot can hold, got nil error")
	}

	records, _ := s.Load()
	if len(records) != 0 {
		t.Fatalf("expected the rejected write to leave no partial record, got %+v", records)
	}
}

func TestLoadKeepsEntriesAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.snap")

	s1 := Open(path, 3)
	if _, err := s1.Load(); err != nil {
		t.Fatal(err)
	}
	if err := s1.Put(Record{Function: 0x04, Start: 9, Count: 1, Response: []byte{7}, CreatedAt: time.Unix(5, 0)}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := Open(path, 3)
	records, err := s2.Load()
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if len(records) != 1 {
		t.Fatalf("expected the prior process's entry to survive reopening, got %d", len(records))
	}
}
