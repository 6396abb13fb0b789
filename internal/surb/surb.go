// surb.go - single-use reply block pools.
// SPDX-License-Identifier: AGPL-3.0-only

// Package surb implements the ReplySurb type and its per-sender-tag pool
// (spec.md §3/§4.B "SURB management"): a SURB is either in the pool or
// has been given out exactly once, the pool carries high/low watermarks,
// and a request for an unknown tag is a fatal preparation error for that
// send (spec.md §8 Boundary behaviours).
package surb

import (
	"errors"
	"sync"
)

// ReplySurb is a pre-computed single-use return header. Its internal
// structure (the Sphinx reply path) is out of scope (spec.md §1); the
// pool only needs to track issuance, not contents.
type ReplySurb struct {
	Bytes []byte
}

var (
	// ErrUnknownSurbSender is returned for a send referencing a tag this
	// node has never seen SURBs for.
	ErrUnknownSurbSender = errors.New("surb: unknown sender tag")
)

// NotEnoughSurbs reports the shortfall, per spec.md §8.
type NotEnoughSurbs struct {
	Available int
	Required  int
}

func (e *NotEnoughSurbs) Error() string {
	return "surb: not enough surbs available"
}

// Watermarks configure when a pool should trigger a background refill
// request (spec.md §4.B "SURB management").
type Watermarks struct {
	High int
	Low  int
}

func DefaultWatermarks() Watermarks { return Watermarks{High: 20, Low: 5} }

type pool struct {
	mu    sync.Mutex
	items []ReplySurb
}

// Map is the ReceivedReplySurbsMap of spec.md §4.B: sender_tag ->
// deque<ReplySurb>, one lock per tag so there is no cross-tag
// contention (spec.md §5).
type Map struct {
	mu    sync.RWMutex
	pools map[string]*pool
	wm    Watermarks

	// onLowWatermark is invoked (outside any lock) when a tag's pool
	// drops below wm.Low, so the caller can send a SurbRequest on the
	// ReplySurbRequest lane.
	onLowWatermark func(senderTag string)
}

func NewMap(wm Watermarks, onLowWatermark func(senderTag string)) *Map {
	return &Map{pools: make(map[string]*pool), wm: wm, onLowWatermark: onLowWatermark}
}

// Deposit adds newly-received SURBs to a tag's pool, enforcing the
// high-watermark invariant (spec.md §8 invariant 5: pool size never
// exceeds its configured high-watermark).
func (m *Map) Deposit(senderTag string, surbs []ReplySurb) {
	p := m.poolFor(senderTag)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range surbs {
		if len(p.items) >= m.wm.High {
			break
		}
		p.items = append(p.items, s)
	}
}

func (m *Map) poolFor(senderTag string) *pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[senderTag]
	if !ok {
		p = &pool{}
		m.pools[senderTag] = p
	}
	return p
}

// poolIfExists does not create a pool on miss, so Withdraw against an
// unknown tag can distinguish "unknown" from "known but empty".
func (m *Map) poolIfExists(senderTag string) (*pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[senderTag]
	return p, ok
}

// Withdraw consumes n SURBs from a tag's pool. A SURB is either in the
// pool or has been given out exactly once; reuse attempts are refused
// by construction since Withdraw removes what it returns.
func (m *Map) Withdraw(senderTag string, n int) ([]ReplySurb, error) {
	p, ok := m.poolIfExists(senderTag)
	if !ok {
		return nil, ErrUnknownSurbSender
	}

	p.mu.Lock()
	if len(p.items) < n {
		avail := len(p.items)
		p.mu.Unlock()
		return nil, &NotEnoughSurbs{Available: avail, Required: n}
	}
	out := append([]ReplySurb(nil), p.items[:n]...)
	p.items = p.items[n:]
	remaining := len(p.items)
	p.mu.Unlock()

	if remaining < m.wm.Low && m.onLowWatermark != nil {
		m.onLowWatermark(senderTag)
	}
	return out, nil
}

// Size reports the current pool size for a tag (0 if unknown), used for
// metrics and tests.
func (m *Map) Size(senderTag string) int {
	p, ok := m.poolIfExists(senderTag)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Clear drops all SURBs for a tag, e.g. on ConnectionClosed for a lane
// that owned them (spec.md §4.B "Cancellation & lane backpressure").
func (m *Map) Clear(senderTag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, senderTag)
}
