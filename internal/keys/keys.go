// keys.go - Sphinx key set lifecycle and rotation.
// SPDX-License-Identifier: AGPL-3.0-only

// Package keys implements the Sphinx Key Set described in spec.md §3/§4.A:
// a pair of ephemeral Diffie-Hellman secrets tagged Even/Odd, rotating on
// a wall-clock schedule through SingleKey -> Transitioning -> SingleKey.
// Private key material lives in memguard-locked memory for the duration
// it is "hot", mirroring the teacher's use of awnumar/memguard to protect
// long-lived secrets (go.mod).
package keys

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/nymproject/mixcore/internal/sphinxcrypto"
)

// Parity tags which rotation slot a key occupies.
type Parity int

const (
	ParityUnknown Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) Other() Parity {
	switch p {
	case ParityEven:
		return ParityOdd
	case ParityOdd:
		return ParityEven
	default:
		return ParityUnknown
	}
}

// ErrExpiredKey is returned when a packet declares a parity the node no
// longer holds a key for.
var ErrExpiredKey = errors.New("keys: expired key rotation")

// slot holds one ephemeral keypair plus the locked buffer backing its
// private scalar.
type slot struct {
	parity Parity
	pub    sphinxcrypto.PublicKey
	locked *memguard.LockedBuffer
	epoch  uint64
}

func (s *slot) priv() sphinxcrypto.PrivateKey {
	var pk sphinxcrypto.PrivateKey
	copy(pk[:], s.locked.Bytes())
	return pk
}

func (s *slot) destroy() {
	if s.locked != nil {
		s.locked.Destroy()
	}
}

// State names the node's position in the rotation state machine.
type State int

const (
	StateSingleKey State = iota
	StateTransitioning
)

// KeySet owns the node's primary and (during transition) secondary
// ephemeral Sphinx keys. All mutation happens under a lock; readers use
// Snapshot to obtain an immutable view without holding the lock across a
// DH operation (spec.md §5: "Key set - arc-shared immutable snapshot").
type KeySet struct {
	mu        sync.RWMutex
	state     State
	primary   *slot
	secondary *slot
	epoch     uint64
}

// NewKeySet creates the first epoch's key, generated from rng.
func NewKeySet(rng io.Reader) (*KeySet, error) {
	ks := &KeySet{state: StateSingleKey}
	s, err := newSlot(rng, ParityEven, 0)
	if err != nil {
		return nil, err
	}
	ks.primary = s
	return ks, nil
}

func newSlot(rng io.Reader, parity Parity, epoch uint64) (*slot, error) {
	priv, pub, err := sphinxcrypto.GenerateKeypair(rng)
	if err != nil {
		return nil, err
	}
	locked := memguard.NewBufferFromBytes(append([]byte(nil), priv[:]...))
	return &slot{parity: parity, pub: pub, locked: locked, epoch: epoch}, nil
}

// Snapshot is an immutable view of the currently-accepted keys.
type Snapshot struct {
	State     State
	Primary   KeyView
	Secondary *KeyView // nil outside Transitioning
	Epoch     uint64
}

type KeyView struct {
	Parity Parity
	Public sphinxcrypto.PublicKey
	Epoch  uint64
	priv   sphinxcrypto.PrivateKey
}

// Snapshot returns the current state without holding the KeySet lock
// during subsequent DH operations.
func (ks *KeySet) Snapshot() Snapshot {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	snap := Snapshot{State: ks.state, Epoch: ks.epoch}
	snap.Primary = KeyView{Parity: ks.primary.parity, Public: ks.primary.pub, Epoch: ks.primary.epoch, priv: ks.primary.priv()}
	if ks.secondary != nil {
		sv := KeyView{Parity: ks.secondary.parity, Public: ks.secondary.pub, Epoch: ks.secondary.epoch, priv: ks.secondary.priv()}
		snap.Secondary = &sv
	}
	return snap
}

// Select resolves the key to use for a packet whose frame declared the
// given rotation flag. Unknown resolves to the primary; the caller
// (internal/processor) retries with Secondary when the primary fails to
// unwrap, so Unknown tries primary then secondary (spec.md §4.A step 2).
func (s Snapshot) Select(wantEven, wantOdd, wantUnknown bool) (KeyView, error) {
	switch {
	case wantEven:
		return s.pick(ParityEven)
	case wantOdd:
		return s.pick(ParityOdd)
	default:
		return s.pickAny()
	}
}

func (s Snapshot) pick(parity Parity) (KeyView, error) {
	if s.Primary.Parity == parity {
		return s.Primary, nil
	}
	if s.Secondary != nil && s.Secondary.Parity == parity {
		return *s.Secondary, nil
	}
	return KeyView{}, ErrExpiredKey
}

func (s Snapshot) pickAny() (KeyView, error) {
	return s.Primary, nil
}

// Private exposes the scalar for a DH operation; called only from the
// hot unwrap path immediately after Select.
func (v KeyView) Private() sphinxcrypto.PrivateKey { return v.priv }

// Rotate advances the state machine on an epoch boundary:
//
//	SingleKey(primary) -> Transitioning(primary, secondary=new)
//	                    -> SingleKey(new) on the following boundary,
//	                       destroying the old primary and its slot.
//
// Nothing in this module schedules Rotate: the caller invokes it on each
// epoch boundary (spec.md §4.A state machine) and also owns expiring the
// corresponding replay filter partition via replay.Filter.ExpireEpoch.
func (ks *KeySet) Rotate(rng io.Reader, now time.Time) (expiredEpoch uint64, hasExpired bool, err error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	switch ks.state {
	case StateSingleKey:
		newSlotV, err := newSlot(rng, ks.primary.parity.Other(), ks.epoch+1)
		if err != nil {
			return 0, false, err
		}
		ks.secondary = ks.primary
		ks.primary = newSlotV
		ks.epoch++
		ks.state = StateTransitioning
		return 0, false, nil
	case StateTransitioning:
		expired := ks.secondary
		ks.secondary = nil
		ks.state = StateSingleKey
		expiredEpoch := expired.epoch
		expired.destroy()
		return expiredEpoch, true, nil
	default:
		return 0, false, errors.New("keys: unknown state")
	}
}

// Close destroys all locked key material. Called on node shutdown.
func (ks *KeySet) Close() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.primary != nil {
		ks.primary.destroy()
	}
	if ks.secondary != nil {
		ks.secondary.destroy()
	}
}
