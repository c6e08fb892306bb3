// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package arbiter owns the UART and enforces a strict half-duplex
// request/response discipline against a single inverter, tolerating a
// second foreign master on the same bus.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/f-garofalo/openlux-bridge/modbus/crc"
	"github.com/f-garofalo/openlux-bridge/modbus/rtu"
)

// bus is the minimal UART surface the arbiter needs; *serialbus.Port
// satisfies it. Tests substitute a fake bus to exercise framing and
// resync logic without a real device.
type bus interface {
	Write(ctx context.Context, b []byte) (int, error)
	Read(ctx context.Context, b []byte) (int, error)
}

// State is the arbiter's half-duplex transaction state.
type State int

const (
	Idle State = iota
	AwaitingResponse
)

func (s State) String() string {
	if s == AwaitingResponse {
		return "awaiting_response"
	}
	return "idle"
}

// identityProbeStartRegister and identityProbeLength locate the five
// registers holding the inverter's own ASCII serial number.
const (
	identityProbeStartRegister = 0
	identityProbeLength        = 5

	maxReceiveBuffer = 1024
	readChunkSize    = 256
)

// Result is the outcome of one bus transaction, surfaced through
// LastResult for the coordinator to poll.
type Result struct {
	OK    bool
	Frame *rtu.Parsed
	Raw   []byte
	Err   error
}

// Counters are observational bus-health statistics. They never feed back
// into the state machine's decisions.
type Counters struct {
	IgnoredPackets  int64
	ResyncAttempts  int64
	ProbeFailures   int64
	IdentityChanges int64
}

// Config carries the arbiter's timing parameters.
type Config struct {
	ResponseTimeout  time.Duration // default 1s
	InterFrameGap    time.Duration // default 50ms
	ProbeBackoffBase time.Duration // default 5s
	ProbeBackoffMax  time.Duration // default 5min
}

func (c Config) withDefaults() Config {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = time.Second
	}
	if c.InterFrameGap <= 0 {
		c.InterFrameGap = 50 * time.Millisecond
	}
	if c.ProbeBackoffBase <= 0 {
		c.ProbeBackoffBase = 5 * time.Second
	}
	if c.ProbeBackoffMax <= 0 {
		c.ProbeBackoffMax = 5 * time.Minute
	}
	return c
}

type command struct {
	raw              []byte
	expectedFunction byte
	expectedStart    uint16
	isProbe          bool
}

// Arbiter drives one UART against one inverter.
type Arbiter struct {
	port bus
	cfg  Config

	cmdCh  chan command
	stopCh chan struct{}
	wg     sync.WaitGroup

	busy atomic.Bool

	mu           sync.Mutex
	state        State
	linkUp       bool
	serial       [rtu.SerialLen]byte
	probeBackoff time.Duration
	lastResult   Result
	counters     Counters
}

// New returns an Arbiter for port, unstarted. port is typically a
// *serialbus.Port.
func New(port bus, cfg Config) *Arbiter {
	cfg = cfg.withDefaults()
	return &Arbiter{
		port:         port,
		cfg:          cfg,
		cmdCh:        make(chan command, 1),
		stopCh:       make(chan struct{}),
		probeBackoff: cfg.ProbeBackoffBase,
	}
}

// Run starts the bus loop and the identity-probe loop. It blocks until ctx
// is cancelled or Stop is called.
func (a *Arbiter) Run(ctx context.Context) {
	a.wg.Add(2)
	go a.busLoop(ctx)
	go a.probeLoop(ctx)
	a.wg.Wait()
}

// Stop requests both loops to exit. It does not wait for them; Run returns
// once they have.
func (a *Arbiter) Stop() {
	close(a.stopCh)
}

// SendRead dispatches a read request. It returns immediately: true if
// accepted for transmission, false if busy or the link is down.
func (a *Arbiter) SendRead(function byte, start uint16, count int) bool {
	frame, err := rtu.EncodeRead(function, start, count, a.currentSerial())
	if err != nil {
		slog.Debug("arbiter: encode read rejected", "error", err)
		return false
	}
	return a.dispatch(command{raw: frame, expectedFunction: function, expectedStart: start})
}

// SendWrite dispatches a write request (single or multiple register).
func (a *Arbiter) SendWrite(start uint16, values []uint16) bool {
	frame, err := rtu.EncodeWrite(start, values, a.currentSerial())
	if err != nil {
		slog.Debug("arbiter: encode write rejected", "error", err)
		return false
	}
	function := byte(rtu.FuncWriteMultple)
	if len(values) == 1 {
		function = rtu.FuncWriteSingle
	}
	return a.dispatch(command{raw: frame, expectedFunction: function, expectedStart: start})
}

func (a *Arbiter) dispatch(cmd command) bool {
	if !cmd.isProbe && !a.LinkUp() {
		return false
	}
	if !a.busy.CompareAndSwap(false, true) {
		return false
	}
	select {
	case a.cmdCh <- cmd:
		return true
	default:
		a.busy.Store(false)
		return false
	}
}

// IsBusy reports whether a transaction is currently in flight.
func (a *Arbiter) IsBusy() bool { return a.busy.Load() }

// LastResult returns the outcome of the most recently completed
// transaction.
func (a *Arbiter) LastResult() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResult
}

// LastRawBytes returns the raw bytes of the most recently completed
// transaction's response, or nil.
func (a *Arbiter) LastRawBytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResult.Raw
}

// LinkUp reports whether the inverter's identity has been established.
func (a *Arbiter) LinkUp() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.linkUp
}

// Counters returns a snapshot of the observational bus-health counters.
func (a *Arbiter) Counters() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

func (a *Arbiter) currentSerial() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.linkUp {
		return make([]byte, rtu.SerialLen)
	}
	out := make([]byte, rtu.SerialLen)
	copy(out, a.serial[:])
	return out
}

func (a *Arbiter) busLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case cmd := <-a.cmdCh:
			a.runTransaction(ctx, cmd)
			a.busy.Store(false)
		}
	}
}

func (a *Arbiter) runTransaction(ctx context.Context, cmd command) {
	a.setState(AwaitingResponse)
	defer a.setState(Idle)

	if _, err := a.port.Write(ctx, cmd.raw); err != nil {
		a.finish(Result{OK: false, Err: fmt.Errorf("arbiter: write: %w", err)})
		return
	}

	result := a.receive(ctx, cmd)
	a.finish(result)

	if cmd.isProbe {
		a.handleProbeResult(result)
	}
}

// receive drains the bus until either a matching frame is found, the
// response timeout elapses, or the buffer desyncs.
func (a *Arbiter) receive(ctx context.Context, cmd command) Result {
	deadline := time.Now().Add(a.cfg.ResponseTimeout)
	var buf []byte
	lastGrowth := time.Now()
	chunk := make([]byte, readChunkSize)

	for time.Now().Before(deadline) {
		n, err := a.port.Read(ctx, chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			lastGrowth = time.Now()
		}
		if err != nil {
			// A read timeout is expected while polling; anything else we
			// still treat as "nothing arrived this tick" and keep polling
			// until the response deadline.
			time.Sleep(time.Millisecond)
		}

		if len(buf) > maxReceiveBuffer {
			return Result{OK: false, Err: fmt.Errorf("arbiter: receive buffer desync at %d bytes", len(buf))}
		}

		if len(buf) == 0 {
			continue
		}

		if time.Since(lastGrowth) < a.cfg.InterFrameGap {
			continue
		}

		res, done, remaining := a.attemptFraming(buf, cmd)
		if done {
			return res
		}
		buf = remaining
		lastGrowth = time.Now()
	}

	return Result{OK: false, Err: fmt.Errorf("arbiter: response timeout after %s", a.cfg.ResponseTimeout)}
}

// attemptFraming applies the spec's framing policy to buf once an
// inter-frame gap has elapsed. It returns done=true with a final Result
// when the transaction is finished (success or unrecoverable failure), or
// done=false with the buffer reception should continue from — empty if
// the whole buffer was discarded, trimmed if resync found a plausible
// restart point.
func (a *Arbiter) attemptFraming(buf []byte, cmd command) (result Result, done bool, remaining []byte) {
	if buf[0] == rtu.AddrRequest {
		a.incCounter(func(c *Counters) { c.IgnoredPackets++ })
		// The leading foreign request is ignored; the rest of the burst is
		// kept only if our own response is among it.
		frames := rtu.SplitFrames(buf)
		if idx, ok := rtu.FindMatchingResponse(frames, cmd.expectedFunction, cmd.expectedStart); ok {
			f := frames[idx]
			return Result{OK: true, Frame: f.Parsed, Raw: append([]byte(nil), f.Raw...)}, true, nil
		}
		return Result{}, false, nil
	}

	if parsed, err := rtu.DecodeResponse(buf); err == nil {
		return Result{OK: true, Frame: parsed, Raw: append([]byte(nil), buf...)}, true, nil
	}

	frames := rtu.SplitFrames(buf)
	if idx, ok := rtu.FindMatchingResponse(frames, cmd.expectedFunction, cmd.expectedStart); ok {
		f := frames[idx]
		return Result{OK: true, Frame: f.Parsed, Raw: append([]byte(nil), f.Raw...)}, true, nil
	}

	// No match: attempt resync by advancing to the next plausible response
	// start (address 0x01 followed by a recognized function byte).
	a.incCounter(func(c *Counters) { c.ResyncAttempts++ })
	for i := 1; i < len(buf)-1; i++ {
		if buf[i] != rtu.AddrResponse {
			continue
		}
		base := buf[i+1] &^ rtu.ExceptionFlag
		switch base {
		case rtu.FuncReadHolding, rtu.FuncReadInput, rtu.FuncWriteSingle, rtu.FuncWriteMultple:
			return Result{}, false, append([]byte(nil), buf[i:]...)
		}
	}

	// No plausible restart point either: discard the whole buffer and keep
	// waiting for fresh bytes until the response timeout expires.
	return Result{}, false, nil
}

func (a *Arbiter) handleProbeResult(result Result) {
	if !result.OK || result.Frame == nil || len(result.Frame.Values) != identityProbeLength {
		a.mu.Lock()
		a.counters.ProbeFailures++
		backoff := a.probeBackoff * 2
		if backoff > a.cfg.ProbeBackoffMax {
			backoff = a.cfg.ProbeBackoffMax
		}
		a.probeBackoff = backoff
		a.mu.Unlock()
		return
	}

	serial := decodeSerialFromRegisters(result.Frame.Values)

	a.mu.Lock()
	changed := !a.linkUp || a.serial != serial
	a.serial = serial
	a.linkUp = true
	a.probeBackoff = a.cfg.ProbeBackoffBase
	if changed {
		a.counters.IdentityChanges++
	}
	a.mu.Unlock()
}

func (a *Arbiter) probeLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		wait := a.currentProbeBackoff()
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-time.After(wait):
		}

		if a.LinkUp() {
			continue
		}
		if !a.busy.CompareAndSwap(false, true) {
			continue
		}
		frame, err := rtu.EncodeRead(rtu.FuncReadHolding, identityProbeStartRegister, identityProbeLength, make([]byte, rtu.SerialLen))
		if err != nil {
			a.busy.Store(false)
			continue
		}
		cmd := command{raw: frame, expectedFunction: rtu.FuncReadHolding, expectedStart: identityProbeStartRegister, isProbe: true}
		select {
		case a.cmdCh <- cmd:
		default:
			a.busy.Store(false)
		}
	}
}

func (a *Arbiter) currentProbeBackoff() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probeBackoff
}

func (a *Arbiter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// StateString reports the current half-duplex state, for diagnostics.
func (a *Arbiter) StateString() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.String()
}

func (a *Arbiter) finish(r Result) {
	a.mu.Lock()
	a.lastResult = r
	a.mu.Unlock()
}

func (a *Arbiter) incCounter(f func(*Counters)) {
	a.mu.Lock()
	f(&a.counters)
	a.mu.Unlock()
}

// decodeSerialFromRegisters packs identityProbeLength 16-bit registers
// into the 10-byte ASCII serial field, low byte first per register to
// match this codec's little-endian convention throughout.
func decodeSerialFromRegisters(values []uint16) [rtu.SerialLen]byte {
	var out [rtu.SerialLen]byte
	b := make([]byte, 2)
	for i, v := range values {
		crc.PutUint16LE(b, v)
		out[i*2] = b[0]
		out[i*2+1] = b[1]
	}
	return out
}
