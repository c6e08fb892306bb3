// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package guard

import "testing"

func TestTryAcquireExclusive(t *testing.T) {
	op := New()

	g, err := op.TryAcquire(SerialIO, "probe")
	if err != nil {
		t.Fatalf("expected free acquire to succeed: %v", err)
	}
	if op.ActiveKind() != SerialIO {
		t.Fatalf("expected active kind %s, got %s", SerialIO, op.ActiveKind())
	}

	if _, err := op.TryAcquire(NetworkScan, "scan"); err == nil {
		t.Fatal("expected second acquire to fail while guard is held")
	} else if busy, ok := err.(*Busy); !ok || busy.Active != SerialIO {
		t.Fatalf("expected Busy error naming SerialIO, got %v", err)
	}

	g.Release()
	if op.ActiveKind() != None {
		t.Fatalf("expected guard free after release, got %s", op.ActiveKind())
	}

	if _, err := op.TryAcquire(NetworkScan, "scan"); err != nil {
		t.Fatalf("expected acquire to succeed after release: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	op := New()
	g, err := op.TryAcquire(LinkProbe, "")
	if err != nil {
		t.Fatal(err)
	}
	g.Release()
	g.Release()
	if op.ActiveKind() != None {
		t.Fatal("expected guard to remain free after double release")
	}
}

func TestReleaseDoesNotClobberLaterHolder(t *testing.T) {
	op := New()
	g1, err := op.TryAcquire(SerialIO, "")
	if err != nil {
		t.Fatal(err)
	}
	g1.Release()

	g2, err := op.TryAcquire(NetworkScan, "")
	if err != nil {
		t.Fatal(err)
	}

	// A stale release of g1 must not free g2's hold.
	g1.Release()
	if op.ActiveKind() != NetworkScan {
		t.Fatalf("expected NetworkScan to remain active, got %s", op.ActiveKind())
	}
	g2.Release()
}

func TestAllowsNewRequestPolicy(t *testing.T) {
	cases := []struct {
		active Kind
		want   bool
	}{
		{None, true},
		{TCPRequestHandling, true},
		{SerialIO, false},
		{LinkProbe, false},
		{NetworkScan, false},
		{FirmwareUpdate, false},
	}
	for _, c := range cases {
		if got := AllowsNewRequest(c.active); got != c.want {
			t.Errorf("AllowsNewRequest(%s) = %v, want %v", c.active, got, c.want)
		}
	}
}
