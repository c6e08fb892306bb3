// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bridge is the coordinator that orchestrates one client request at
// a time across the operation guard, the serial arbiter and the fallback
// cache, and the composition root that wires the whole bridge together.
package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/f-garofalo/openlux-bridge/internal/arbiter"
	"github.com/f-garofalo/openlux-bridge/internal/cache"
	"github.com/f-garofalo/openlux-bridge/internal/guard"
	"github.com/f-garofalo/openlux-bridge/modbus/dongle"
	"github.com/f-garofalo/openlux-bridge/modbus/rtu"
)

// Modbus-style exception codes used for responses the coordinator
// synthesizes itself, rather than forwards from the inverter.
const (
	excBusy           = 0x06 // slave device busy
	excSendFailed     = 0x04 // slave device failure
	excGatewayTimeout = 0x0B // gateway target device failed to respond
)

// activeRequest is the one in-flight request the coordinator is tracking,
// from dispatch through tick-driven completion.
type activeRequest struct {
	guard     *guard.Guard
	function  byte
	start     uint16
	count     int
	isWrite   bool
	fp        cache.Fingerprint
	serial    []byte
	deliver   func([]byte)
	startedAt time.Time
}

// Coordinator serializes client requests onto the serial arbiter,
// consulting the operation guard and the fallback cache along the way. It
// holds non-owning references to its collaborators; the composition root
// in bridge.go owns them.
type Coordinator struct {
	guard          *guard.Operation
	arb            *arbiter.Arbiter
	cache          *cache.Cache
	dongleSerial   func() []byte
	requestTimeout time.Duration

	mu     sync.Mutex
	active *activeRequest
}

// NewCoordinator returns a Coordinator. dongleSerial is called once per
// response to fill the TCP frame's serial field; requestTimeout bounds how
// long tick keeps waiting on a dispatched request before giving up and
// falling back.
func NewCoordinator(g *guard.Operation, arb *arbiter.Arbiter, c *cache.Cache, dongleSerial func() []byte, requestTimeout time.Duration) *Coordinator {
	if requestTimeout <= 0 {
		requestTimeout = 2 * time.Second
	}
	return &Coordinator{
		guard:          g,
		arb:            arb,
		cache:          c,
		dongleSerial:   dongleSerial,
		requestTimeout: requestTimeout,
	}
}

// ProcessClientBytes decodes one client request and either answers it
// immediately (decode failure, guard busy, cache hit, dispatch failure) or
// records it as the active request for Tick to complete later. deliver is
// called exactly once, either synchronously here or later from Tick; a nil
// argument means a decode failure left the client with no response at all
// (the connection itself stays open per spec.md §7).
func (c *Coordinator) ProcessClientBytes(raw []byte, deliver func([]byte)) {
	req, err := dongle.DecodeRequest(raw)
	if err != nil {
		slog.Warn("bridge: dropping undecodable client request", "err", err)
		deliver(nil)
		return
	}

	active := c.guard.ActiveKind()
	if !guard.AllowsNewRequest(active) {
		slog.Info("bridge: rejecting request, guard held by incompatible activity", "active", active)
		deliver(c.synthesize(req.Function, excBusy, req.DongleSerial[:]))
		return
	}

	g, err := c.guard.TryAcquire(guard.TCPRequestHandling, "client request")
	if err != nil {
		slog.Info("bridge: guard acquisition raced, rejecting request", "err", err)
		deliver(c.synthesize(req.Function, excBusy, req.DongleSerial[:]))
		return
	}

	c.mu.Lock()
	if c.active != nil || c.arb.IsBusy() {
		c.mu.Unlock()
		g.Release()
		slog.Info("bridge: rejecting request, another is already in flight")
		deliver(c.synthesize(req.Function, excBusy, req.DongleSerial[:]))
		return
	}
	c.mu.Unlock()

	isWrite := req.Function == rtu.FuncWriteSingle || req.Function == rtu.FuncWriteMultple
	var ok bool
	if isWrite {
		ok = c.arb.SendWrite(req.StartRegister, req.Values)
	} else {
		ok = c.arb.SendRead(req.Function, req.StartRegister, req.RegisterCount)
	}

	if !ok {
		if !isWrite {
			if cached, hit := c.cache.Get(cache.Fingerprint{Function: req.Function, Start: req.StartRegister, Count: req.RegisterCount}); hit {
				g.Release()
				deliver(cached.Response)
				return
			}
		}
		g.Release()
		deliver(c.synthesize(req.Function, excSendFailed, req.DongleSerial[:]))
		return
	}

	c.mu.Lock()
	c.active = &activeRequest{
		guard:     g,
		function:  req.Function,
		start:     req.StartRegister,
		count:     req.RegisterCount,
		isWrite:   isWrite,
		fp:        cache.Fingerprint{Function: req.Function, Start: req.StartRegister, Count: req.RegisterCount},
		serial:    append([]byte(nil), req.DongleSerial[:]...),
		deliver:   deliver,
		startedAt: time.Now(),
	}
	c.mu.Unlock()
}

// Tick inspects the in-flight request, if any, and completes it once the
// arbiter has transitioned back to Idle, or once the coordinator's own
// request timeout has elapsed first.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	req := c.active
	c.mu.Unlock()
	if req == nil {
		return
	}

	if c.arb.IsBusy() {
		if time.Since(req.startedAt) > c.requestTimeout {
			slog.Warn("bridge: request timed out waiting on the serial bus", "function", req.function, "start", req.start)
			c.finish(req, c.fallbackOrError(req, excGatewayTimeout))
		}
		return
	}

	result := c.arb.LastResult()
	c.finish(req, c.resolve(req, result))
}

func (c *Coordinator) finish(req *activeRequest, resp []byte) {
	c.mu.Lock()
	if c.active == req {
		c.active = nil
	}
	c.mu.Unlock()
	req.guard.Release()
	req.deliver(resp)
}

// resolve turns one arbiter Result into the encoded TCP response to
// deliver, applying the validation policy and the cache-fallback rules.
func (c *Coordinator) resolve(req *activeRequest, result arbiter.Result) []byte {
	if !result.OK || result.Frame == nil {
		return c.fallbackOrError(req, excGatewayTimeout)
	}

	if !matches(req, result.Frame) {
		slog.Warn("bridge: response/request mismatch", "function", req.function, "start", req.start)
		return c.fallbackOrError(req, excSendFailed)
	}

	resp, err := dongle.EncodeResponse(result.Raw, c.dongleSerial())
	if err != nil {
		slog.Error("bridge: failed to encode a validated response", "err", err)
		return c.fallbackOrError(req, excSendFailed)
	}

	if !req.isWrite && !result.Frame.IsException {
		c.cache.Put(req.fp, resp)
	}
	return resp
}

// fallbackOrError serves the fallback cache for reads on any failure path,
// falling back further to a synthesized exception when there is nothing
// cached. Writes are never served from cache.
func (c *Coordinator) fallbackOrError(req *activeRequest, exceptionCode byte) []byte {
	if !req.isWrite {
		if cached, hit := c.cache.Get(req.fp); hit {
			return cached.Response
		}
	}
	return c.synthesize(req.function, exceptionCode, req.serial)
}

// matches implements the validation policy of spec.md §4.7: a response
// matches a request iff the function (high bit cleared) agrees and — for
// non-exception responses — the start register and register count agree
// too. Exception frames carry no start register, so they match on
// function alone.
func matches(req *activeRequest, frame *rtu.Parsed) bool {
	if frame.BaseFunction != req.function {
		return false
	}
	if frame.IsException {
		return true
	}
	if frame.StartRegister != req.start {
		return false
	}
	return frame.RegisterCount == req.count
}

func (c *Coordinator) synthesize(function byte, exceptionCode byte, dongleSerial []byte) []byte {
	invException := rtu.EncodeException(function, exceptionCode, dongleSerial)
	resp, err := dongle.EncodeResponse(invException, dongleSerial)
	if err != nil {
		slog.Error("bridge: failed to synthesize an error response", "err", err)
		return nil
	}
	return resp
}
