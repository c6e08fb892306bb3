// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serialbus owns the UART device the arbiter speaks to the
// inverter over. It wraps github.com/grid-x/serial, including its native
// RS-485 direction-control support, behind a small reconnect-on-demand
// transport.
package serialbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

// Config describes the UART device and its RS-485 direction-control
// timing.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration

	// RS485, when Enabled, has grid-x/serial toggle the RTS line around
	// each transmission instead of leaving the bus to a full-duplex
	// transceiver.
	RS485 RS485Config
}

// RS485Config mirrors github.com/grid-x/serial's native RS485 fields.
type RS485Config struct {
	Enabled            bool
	RtsHighDuringSend  bool
	RtsHighAfterSend   bool
	RxDuringTx         bool
	DelayRtsBeforeSend time.Duration
	DelayRtsAfterSend  time.Duration
}

func (c Config) toSerialConfig() *serial.Config {
	sc := &serial.Config{
		Address:  c.Device,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
		Timeout:  c.Timeout,
	}
	if c.RS485.Enabled {
		sc.RS485.Enabled = true
		sc.RS485.RtsHighDuringSend = c.RS485.RtsHighDuringSend
		sc.RS485.RtsHighAfterSend = c.RS485.RtsHighAfterSend
		sc.RS485.RxDuringTx = c.RS485.RxDuringTx
		sc.RS485.DelayRtsBeforeSend = c.RS485.DelayRtsBeforeSend
		sc.RS485.DelayRtsAfterSend = c.RS485.DelayRtsAfterSend
	}
	return sc
}

// Port is a lazily-opened UART connection with idle-close behavior, mirroring
// the bridge's general "open on demand, close when quiet" transport style.
type Port struct {
	cfg Config

	IdleTimeout time.Duration

	mu           sync.Mutex
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
}

// New returns a Port for cfg. The underlying device is not opened until
// the first Connect, Write or Read.
func New(cfg Config) *Port {
	return &Port{cfg: cfg}
}

// Connect opens the device if it isn't already open.
func (p *Port) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connect(ctx)
}

func (p *Port) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if p.port == nil {
		port, err := serial.Open(p.cfg.toSerialConfig())
		if err != nil {
			return fmt.Errorf("serialbus: could not open %s: %w", p.cfg.Device, err)
		}
		p.port = port
	}
	return nil
}

// Close closes the device if open.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close()
}

func (p *Port) close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// Write connects on demand, writes b, and resets the idle-close timer.
func (p *Port) Write(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return 0, err
	}
	p.lastActivity = time.Now()
	p.startCloseTimer()

	n, err := p.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("serialbus: write: %w", err)
	}
	return n, nil
}

// Read reads whatever is currently available into b without blocking for
// a full buffer; the arbiter drives its own inter-frame-gap timing on top
// of this. It connects on demand like Write.
func (p *Port) Read(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return 0, err
	}
	n, err := p.port.Read(b)
	if err != nil {
		return n, fmt.Errorf("serialbus: read: %w", err)
	}
	p.lastActivity = time.Now()
	p.startCloseTimer()
	return n, nil
}

func (p *Port) startCloseTimer() {
	if p.IdleTimeout <= 0 {
		return
	}
	if p.closeTimer == nil {
		p.closeTimer = time.AfterFunc(p.IdleTimeout, p.closeIdle)
	} else {
		p.closeTimer.Reset(p.IdleTimeout)
	}
}

func (p *Port) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(p.lastActivity); idle >= p.IdleTimeout {
		slog.Debug("serialbus: closing idle port", "idle", idle)
		p.close()
	}
}
