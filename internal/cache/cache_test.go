// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package cache

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(10, time.Minute)
	fp := Fingerprint{Function: 0x03, Start: 100, Count: 5}
	c.Put(fp, []byte{1, 2, 3})

	e, ok := c.Get(fp)
	if !ok {
		t.Fatal("expected a hit")
	}
	if string(e.Response) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected response bytes: %v", e.Response)
	}
	if e.HitCount != 1 {
		t.Fatalf("expected hit count 1, got %d", e.HitCount)
	}

	if _, ok := c.Get(Fingerprint{Function: 0x04, Start: 1, Count: 1}); ok {
		t.Fatal("expected a miss for an unrelated fingerprint")
	}
}

func TestGetExpiresPastTTL(t *testing.T) {
	c := New(10, time.Millisecond)
	fp := Fingerprint{Function: 0x03, Start: 0, Count: 1}
	c.Put(fp, []byte{9})

	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(fp); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestPutEvictsSmallestCreatedAtOnceFull(t *testing.T) {
	c := New(2, time.Hour)
	c.Put(Fingerprint{Function: 0x03, Start: 1, Count: 1}, []byte{1})
	time.Sleep(time.Millisecond)
	c.Put(Fingerprint{Function: 0x03, Start: 2, Count: 1}, []byte{2})
	time.Sleep(time.Millisecond)
	c.Put(Fingerprint{Function: 0x03, Start: 3, Count: 1}, []byte{3})

	if _, ok := c.Get(Fingerprint{Function: 0x03, Start: 1, Count: 1}); ok {
		t.Fatal("expected the oldest entry to have been evicted")
	}
	if _, ok := c.Get(Fingerprint{Function: 0x03, Start: 2, Count: 1}); !ok {
		t.Fatal("expected the second entry to survive")
	}
	if _, ok := c.Get(Fingerprint{Function: 0x03, Start: 3, Count: 1}); !ok {
		t.Fatal("expected the newest entry to be present")
	}
}

func TestPutRemovesExpiredEntriesBeforeSizeEviction(t *testing.T) {
	c := New(2, 5*time.Millisecond)
	c.Put(Fingerprint{Function: 0x03, Start: 1, Count: 1}, []byte{1})
	time.Sleep(10 * time.Millisecond)
	// Start=1's entry is now expired. A second put should clear it via
	// the TTL pass rather than evicting on size.
	c.Put(Fingerprint{Function: 0x03, Start: 2, Count: 1}, []byte{2})

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", len(snap))
	}
}

func TestClear(t *testing.T) {
	c := New(10, time.Minute)
	c.Put(Fingerprint{Function: 0x03, Start: 1, Count: 1}, []byte{1})
	c.Clear()
	if len(c.Snapshot()) != 0 {
		t.Fatal("expected cache to be empty after Clear")
	}
}

func TestEnableSnapshotPersistsAcrossCacheInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.snap")

	c1 := New(10, time.Minute)
	if err := c1.EnableSnapshot(path); err != nil {
		t.Fatal(err)
	}
	fp := Fingerprint{Function: 0x03, Start: 5, Count: 2}
	c1.Put(fp, []byte{4, 5})

	c2 := New(10, time.Minute)
	if err := c2.EnableSnapshot(path); err != nil {
		t.Fatal(err)
	}
	e, ok := c2.Get(fp)
	if !ok {
		t.Fatal("expected the entry written by c1 to survive into c2 via the snapshot file")
	}
	if string(e.Response) != string([]byte{4, 5}) {
		t.Fatalf("unexpected response after reload: %v", e.Response)
	}
}

func TestFingerprintEqualityIsStructural(t *testing.T) {
	c := New(10, time.Minute)
	a := Fingerprint{Function: 0x03, Start: 10, Count: 2}
	b := Fingerprint{Function: 0x03, Start: 10, Count: 2}
	c.Put(a, []byte{1})
	if _, ok := c.Get(b); !ok {
		t.Fatal("expected equal fingerprints to collide on the same key")
	}
}

func TestDiagnosticsYAMLRendersEntries(t *testing.T) {
	c := New(10, time.Minute)
	c.Put(Fingerprint{Function: 0x04, Start: 500, Count: 3}, []byte{0xAB, 0xCD})

	out, err := c.DiagnosticsYAML()
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if !strings.Contains(s, "0x04") {
		t.Fatalf("expected the function code in the dump, got:\n%s", s)
	}
	if !strings.Contains(s, "abcd") {
		t.Fatalf("expected the response hex in the dump, got:\n%s", s)
	}
}

func TestDiagnosticsYAMLEmptyCache(t *testing.T) {
	c := New(10, time.Minute)
	out, err := c.DiagnosticsYAML()
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "[]\n" {
		t.Fatalf("expected an empty YAML sequence, got %q", out)
	}
}
