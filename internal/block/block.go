// block.go - broadcast blocks, group snapshots, and the per-height lifecycle.
// SPDX-License-Identifier: AGPL-3.0-only

// Package block holds the data the reliable-broadcast engine agrees on
// (spec.md §3/§4.C): a Block, the GroupSnapshot it was proposed against,
// and the Proposed → Echoed → Ready → Delivered/Dropped state machine
// tracked per height.
package block

import (
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Hash is a block's content hash, computed over its canonical CBOR
// encoding (spec.md §3; `fxamacker/cbor/v2` per SPEC_FULL.md's domain
// stack).
type Hash [32]byte

// Certificate is one signed vote (ECHO or READY) on a block hash,
// identified by the signer's long-term identity key.
type Certificate struct {
	Signer    string
	Signature []byte
}

// Block is the unit the broadcast engine orders (spec.md §3).
type Block struct {
	Height       uint64
	Creator      string
	ParentHash   Hash
	Payload      []byte
	Certificates []Certificate
}

// canonical is the subset of Block fields that go into HashOf: certificates
// accumulate after creation and must not change a block's identity.
type canonical struct {
	Height     uint64
	Creator    string
	ParentHash Hash
	Payload    []byte
}

// HashOf computes a block's content hash, stable across certificate
// accumulation.
func HashOf(b Block) (Hash, error) {
	enc, err := cbor.Marshal(canonical{Height: b.Height, Creator: b.Creator, ParentHash: b.ParentHash, Payload: b.Payload})
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(enc), nil
}

// Stage is a position in the block lifecycle state machine (spec.md
// §4.C): Proposed → Echoed → Ready → {Delivered, Dropped}, the last two
// terminal.
type Stage int

const (
	Proposed Stage = iota
	Echoed
	Ready
	Delivered
	Dropped
)

func (s Stage) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Echoed:
		return "echoed"
	case Ready:
		return "ready"
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

func (s Stage) Terminal() bool { return s == Delivered || s == Dropped }

var (
	// ErrInvalidTransition is returned when a stage change would violate
	// the Proposed → Echoed → Ready → {Delivered, Dropped} ordering.
	ErrInvalidTransition = errors.New("block: invalid lifecycle transition")
	// ErrHeightAlreadyDelivered enforces spec.md §8 invariant 4: at most
	// one block is ever delivered at a given height.
	ErrHeightAlreadyDelivered = errors.New("block: a different block was already delivered at this height")
)

// entry is the lifecycle record kept per (height, hash) candidate.
type entry struct {
	block Block
	stage Stage
}

// Tracker owns the lifecycle state for every block this node has seen,
// keyed by height, and enforces the per-height delivery invariant.
type Tracker struct {
	mu       sync.Mutex
	byHeight map[uint64]map[Hash]*entry
	delivered map[uint64]Hash
}

func NewTracker() *Tracker {
	return &Tracker{
		byHeight:  make(map[uint64]map[Hash]*entry),
		delivered: make(map[uint64]Hash),
	}
}

// Observe registers a freshly-seen block at Proposed, or is a no-op if
// this (height, hash) pair is already tracked — duplicates at the same
// height are ignored per spec.md §4.C tie-break rule.
func (t *Tracker) Observe(b Block, h Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(b.Height)
	if _, ok := t.byHeight[b.Height][h]; ok {
		return
	}
	t.byHeight[b.Height][h] = &entry{block: b, stage: Proposed}
}

func (t *Tracker) ensureLocked(height uint64) {
	if _, ok := t.byHeight[height]; !ok {
		t.byHeight[height] = make(map[Hash]*entry)
	}
}

// Stage reports the current lifecycle stage for a tracked (height, hash)
// pair, or false if it has never been observed.
func (t *Tracker) Stage(height uint64, h Hash) (Stage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHeight[height][h]
	if !ok {
		return 0, false
	}
	return e.stage, true
}

// Advance moves a tracked block forward to the given stage, rejecting
// any transition that does not strictly increase stage order (a block
// cannot un-echo) and enforcing the terminal, at-most-one-delivery
// invariant for Delivered.
func (t *Tracker) Advance(height uint64, h Hash, to Stage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byHeight[height][h]
	if !ok {
		return ErrInvalidTransition
	}
	if e.stage.Terminal() {
		return ErrInvalidTransition
	}
	if to != Dropped && to <= e.stage {
		return ErrInvalidTransition
	}

	if to == Delivered {
		if existing, already := t.delivered[height]; already && existing != h {
			return ErrHeightAlreadyDelivered
		}
		t.delivered[height] = h
	}

	e.stage = to
	return nil
}

// DeliveredAt reports the hash delivered at a height, if any.
func (t *Tracker) DeliveredAt(height uint64) (Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.delivered[height]
	return h, ok
}

// Block returns the tracked block for a (height, hash) pair.
func (t *Tracker) Block(height uint64, h Hash) (Block, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHeight[height][h]
	if !ok {
		return Block{}, false
	}
	return e.block, true
}

// Prune discards all candidates below the given height, keeping the
// tracker's memory bounded as the chain advances.
func (t *Tracker) Prune(belowHeight uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h := range t.byHeight {
		if h < belowHeight {
			delete(t.byHeight, h)
			delete(t.delivered, h)
		}
	}
}

// GroupSnapshot is an ordered peer set plus the block-hash range it
// applies to (spec.md §3): certificates from a past block are validated
// against the snapshot active when that block was produced.
type GroupSnapshot struct {
	Peers         []string
	EffectiveFrom Hash
	N             int
	F             int
}

// EchoThreshold, ReadyToEchoThreshold and DeliverThreshold return the
// ECHO-to-READY, READY-amplification and READY-to-deliver thresholds for
// this snapshot's (n, f), per spec.md §4.C step 3 and step 4.
func (g GroupSnapshot) EchoThreshold() int  { return (g.N + g.F + 1 + 1) / 2 } // ceil((n+f+1)/2)
func (g GroupSnapshot) ReadyToEchoThreshold() int { return g.F + 1 }
func (g GroupSnapshot) DeliverThreshold() int     { return 2*g.F + 1 }

// SnapshotHistory retains a bounded number of past GroupSnapshots so
// certificates from blocks produced under an earlier membership can
// still be validated (SPEC_FULL.md, grounded in
// ephemera/src/core/ephemera.rs's membership-change handling).
type SnapshotHistory struct {
	mu       sync.Mutex
	cap      int
	order    []Hash
	byHash   map[Hash]GroupSnapshot
	current  GroupSnapshot
}

func NewSnapshotHistory(capacity int, initial GroupSnapshot) *SnapshotHistory {
	if capacity <= 0 {
		capacity = 16
	}
	h := &SnapshotHistory{cap: capacity, byHash: make(map[Hash]GroupSnapshot)}
	h.Replace(initial)
	return h
}

// Replace installs a new active GroupSnapshot, e.g. on a GroupChangeEvent
// (spec.md §4.C "Membership change"), evicting the oldest retained
// snapshot once the bounded history is full.
func (h *SnapshotHistory) Replace(s GroupSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = s
	h.byHash[s.EffectiveFrom] = s
	h.order = append(h.order, s.EffectiveFrom)
	if len(h.order) > h.cap {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.byHash, oldest)
	}
}

// Current returns the active GroupSnapshot.
func (h *SnapshotHistory) Current() GroupSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// At returns the GroupSnapshot that was active at the given block hash,
// if it is still within the retained history.
func (h *SnapshotHistory) At(effectiveFrom Hash) (GroupSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byHash[effectiveFrom]
	return s, ok
}
