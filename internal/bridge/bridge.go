// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/f-garofalo/openlux-bridge/internal/arbiter"
	"github.com/f-garofalo/openlux-bridge/internal/cache"
	"github.com/f-garofalo/openlux-bridge/internal/config"
	"github.com/f-garofalo/openlux-bridge/internal/guard"
	"github.com/f-garofalo/openlux-bridge/internal/serialbus"
	"github.com/f-garofalo/openlux-bridge/internal/tcpfront"
)

// tickInterval is the cooperative pass's period: the listener and
// coordinator advance on this cadence, per spec.md §5's
// "predominantly single-threaded cooperative" scheduling model. The
// arbiter runs its own bus and probe goroutines and is not ticked.
const tickInterval = 10 * time.Millisecond

// diagnosticsInterval is how often the cache contents get logged as YAML
// for operators, independent of the cooperative tick loop.
const diagnosticsInterval = time.Minute

// Bridge is the composition root: it owns the guard, arbiter, cache,
// coordinator and listener as values and drives their tick loops. Nothing
// outside this package holds more than a non-owning reference to any of
// them.
type Bridge struct {
	port        *serialbus.Port
	arb         *arbiter.Arbiter
	guard       *guard.Operation
	cache       *cache.Cache
	coordinator *Coordinator
	listener    *tcpfront.Listener
}

// New builds a Bridge from cfg. It opens the TCP listener immediately (so
// Addr() is available to callers) but does not start the serial port or
// any tick loop until Run is called.
func New(cfg *config.Config) (*Bridge, error) {
	g := guard.New()

	port := serialbus.New(serialbus.Config{
		Device:   cfg.Serial.Device,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		StopBits: cfg.Serial.StopBits,
		Parity:   cfg.Serial.Parity,
		Timeout:  cfg.Serial.Timeout,
		RS485: serialbus.RS485Config{
			Enabled:            cfg.Serial.RS485,
			RtsHighDuringSend:  cfg.Serial.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.Serial.RtsHighAfterSend,
			RxDuringTx:         cfg.Serial.RxDuringTx,
			DelayRtsBeforeSend: cfg.Serial.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.Serial.DelayRtsAfterSend,
		},
	})

	arb := arbiter.New(port, arbiter.Config{
		ResponseTimeout:  cfg.ResponseTimeout,
		InterFrameGap:    cfg.InterFrameGap,
		ProbeBackoffBase: cfg.ProbeBackoffBase,
		ProbeBackoffMax:  cfg.ProbeBackoffMax,
	})

	c := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL)
	if cfg.CacheSnapshot.Enabled {
		if err := c.EnableSnapshot(cfg.CacheSnapshot.Path); err != nil {
			return nil, fmt.Errorf("bridge: enabling cache snapshot: %w", err)
		}
	}

	dongleSerial := []byte(cfg.DongleSerial)
	coord := NewCoordinator(g, arb, c, func() []byte { return dongleSerial }, cfg.RequestTimeout)

	ln, err := tcpfront.New(fmt.Sprintf(":%d", cfg.TCPPort), coord, cfg.MaxClients, cfg.ClientIdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("bridge: starting tcp listener: %w", err)
	}

	return &Bridge{
		port:        port,
		arb:         arb,
		guard:       g,
		cache:       c,
		coordinator: coord,
		listener:    ln,
	}, nil
}

// Addr returns the bound TCP address, useful when the configured port was
// 0 (tests bind an ephemeral port this way).
func (b *Bridge) Addr() string { return b.listener.Addr().String() }

// Run starts the serial arbiter, the TCP accept loop, and the cooperative
// tick loop that drives the listener and coordinator. It blocks until ctx
// is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	go b.arb.Run(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- b.listener.Serve() }()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	diagTicker := time.NewTicker(diagnosticsInterval)
	defer diagTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.arb.Stop()
			b.listener.Close()
			return nil
		case err := <-serveErr:
			if err != nil {
				slog.Error("bridge: tcp listener stopped", "err", err)
			}
			return err
		case <-ticker.C:
			b.listener.Tick()
			b.coordinator.Tick()
		case <-diagTicker.C:
			b.logCacheDiagnostics()
		}
	}
}

func (b *Bridge) logCacheDiagnostics() {
	dump, err := b.cache.DiagnosticsYAML()
	if err != nil {
		slog.Warn("bridge: failed to render cache diagnostics", "err", err)
		return
	}
	slog.Debug("bridge: cache diagnostics", "entries", string(dump))
}

// Close releases the bridge's resources without waiting on Run's ctx.
func (b *Bridge) Close() error {
	b.arb.Stop()
	return b.listener.Close()
}
