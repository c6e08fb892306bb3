// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package cache is the bridge's fallback cache: a fingerprint-keyed map
// of the most recent successful encoded TCP response for a given read, so
// a bus failure can still be answered with a bit-exact prior reply.
package cache

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/f-garofalo/openlux-bridge/internal/cache/snapshot"
)

// Fingerprint identifies a read by its shape, not its outcome. Writes are
// never fingerprinted.
type Fingerprint struct {
	Function byte
	Start    uint16
	Count    int
}

// Entry is one cached response plus its bookkeeping.
type Entry struct {
	Fingerprint    Fingerprint
	Response       []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	HitCount       int64
}

// Cache maps read fingerprint to the last encoded TCP response seen for
// it, with TTL expiry and a hard entry cap.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	store      *snapshot.Store

	mu      sync.Mutex
	entries map[Fingerprint]*Entry
}

// New returns an empty Cache. maxEntries and ttl follow spec defaults of
// 10 and 10 minutes respectively when given as zero.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[Fingerprint]*Entry),
	}
}

// EnableSnapshot mirrors Put onto a memory-mapped file at path and
// populates the cache with whatever entries it already holds from a
// prior run. It is optional: a Cache never calls this unless configured
// to, and entries written before EnableSnapshot runs are never
// retroactively mirrored.
func (c *Cache) EnableSnapshot(path string) error {
	store := snapshot.Open(path, c.maxEntries)
	records, err := store.Load()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
	for _, rec := range records {
		fp := Fingerprint{Function: rec.Function, Start: rec.Start, Count: int(rec.Count)}
		c.entries[fp] = &Entry{
			Fingerprint:    fp,
			Response:       rec.Response,
			CreatedAt:      rec.CreatedAt,
			LastAccessedAt: rec.CreatedAt,
		}
	}
	return nil
}

// Put records response as the most recent answer for fp, evicting any
// prior entry under the same key, then running TTL and size maintenance.
func (c *Cache) Put(fp Fingerprint, response []byte) {
	now := time.Now()

	c.mu.Lock()

	delete(c.entries, fp)

	for key, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.ttl {
			delete(c.entries, key)
		}
	}

	if len(c.entries) >= c.maxEntries {
		var oldestKey Fingerprint
		var oldest *Entry
		for key, e := range c.entries {
			if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) {
				oldestKey, oldest = key, e
			}
		}
		if oldest != nil {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[fp] = &Entry{
		Fingerprint:    fp,
		Response:       response,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	store := c.store
	c.mu.Unlock()

	if store != nil {
		rec := snapshot.Record{Function: fp.Function, Start: fp.Start, Count: uint16(fp.Count), Response: response, CreatedAt: now}
		if err := store.Put(rec); err != nil {
			slog.Warn("cache snapshot write-through failed", "err", err)
		}
	}
}

// Get looks up fp. On a hit, it bumps HitCount and LastAccessedAt and
// returns a copy of the entry; an expired entry (past TTL) is treated as
// a miss but is not proactively evicted here — Put's maintenance pass
// handles that.
func (c *Cache) Get(fp Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if !ok {
		return Entry{}, false
	}
	if time.Since(e.CreatedAt) > c.ttl {
		return Entry{}, false
	}
	e.HitCount++
	e.LastAccessedAt = time.Now()
	return *e, true
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Fingerprint]*Entry)
}

// Snapshot enumerates entries for diagnostics.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// diagnosticEntry is Entry reshaped for a human-readable YAML dump: the
// response is hex rather than raw bytes, and fields get lowercase,
// log-friendly names.
type diagnosticEntry struct {
	Function string `yaml:"function"`
	Start    uint16 `yaml:"start"`
	Count    int    `yaml:"count"`
	Response string `yaml:"response_hex"`
	Age      string `yaml:"age"`
	HitCount int64  `yaml:"hit_count"`
}

// DiagnosticsYAML renders the current cache contents as YAML, for
// operators inspecting bridge state without a debugger attached.
func (c *Cache) DiagnosticsYAML() ([]byte, error) {
	entries := c.Snapshot()
	dump := make([]diagnosticEntry, 0, len(entries))
	now := time.Now()
	for _, e := range entries {
		dump = append(dump, diagnosticEntry{
			Function: fmt.Sprintf("0x%02X", e.Fingerprint.Function),
			Start:    e.Fingerprint.Start,
			Count:    e.Fingerprint.Count,
			Response: hex.EncodeToString(e.Response),
			Age:      now.Sub(e.CreatedAt).Round(time.Second).String(),
			HitCount: e.HitCount,
		})
	}
	return yaml.Marshal(dump)
}
