// broadcast.go - Bracha reliable broadcast per block.
// SPDX-License-Identifier: AGPL-3.0-only

// Package broadcast implements the propose/echo/ready voting rounds of
// spec.md §4.C over a rotating committee, tolerating up to f Byzantine
// peers where n ≥ 3f+1. Message fan-out follows drand's DKG
// echo-broadcast, adapted here to vote on block hashes instead of DKG
// packets: each outgoing message is sent to each peer from its own
// short-lived goroutine, with no per-peer sender queue.
package broadcast

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/block"
	"github.com/nymproject/mixcore/internal/metrics"
)

var log = logging.MustGetLogger("broadcast")

// MessageKind discriminates the three Bracha rounds.
type MessageKind int

const (
	Propose MessageKind = iota
	Echo
	Ready
)

func (k MessageKind) String() string {
	switch k {
	case Propose:
		return "propose"
	case Echo:
		return "echo"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Message is one signed Bracha round message, addressed by block hash.
type Message struct {
	Kind    MessageKind
	Height  uint64
	Hash    block.Hash
	Block   *block.Block // set only for Propose
	Signer  string
	Sig     []byte
}

// Transport is the narrow send port this package needs from
// internal/gatewaynet: fan a message out to one peer by address.
type Transport interface {
	SendTo(ctx context.Context, peerAddr string, msg Message) error
}

// CheckBlock is the application-level validation hook (spec.md §4.C):
// returning a non-nil error moves the block straight to Dropped instead
// of advancing through the vote rounds.
type CheckBlock func(b block.Block) error

// Identity signs outgoing round messages with this node's long-term key
// (spec.md §4.C "Signatures on all messages use the node's long-term
// identity key").
type Identity struct {
	Address    string
	PrivateKey ed25519.PrivateKey
}

func (id Identity) sign(height uint64, h block.Hash, kind MessageKind) []byte {
	return ed25519.Sign(id.PrivateKey, signedBytes(height, h, kind))
}

func signedBytes(height uint64, h block.Hash, kind MessageKind) []byte {
	buf := make([]byte, 0, 8+len(h)+1)
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(height>>(8*uint(i))))
	}
	buf = append(buf, h[:]...)
	buf = append(buf, byte(kind))
	return buf
}

// verify checks a round message's signature against the signer's known
// public key in the active GroupSnapshot.
func verify(pub ed25519.PublicKey, m Message) bool {
	if len(pub) == 0 {
		return false
	}
	return ed25519.Verify(pub, signedBytes(m.Height, m.Hash, m.Kind), m.Sig)
}

var (
	ErrUnknownSigner   = errors.New("broadcast: message from a peer outside the active group")
	ErrBadSignature    = errors.New("broadcast: signature verification failed")
	ErrDeliveryFatal   = errors.New("broadcast: database write failed at deliver step")
)

// votes tallies distinct signers per (height, hash, kind) so duplicate
// messages from one peer never count twice toward quorum.
type votes struct {
	mu      sync.Mutex
	signers map[Hash3]map[string]struct{}
}

// Hash3 keys the vote tally by (height, hash, kind).
type Hash3 struct {
	Height uint64
	Hash   block.Hash
	Kind   MessageKind
}

func newVotes() *votes {
	return &votes{signers: make(map[Hash3]map[string]struct{})}
}

// add records one signer's vote and returns the new distinct-signer count.
func (v *votes) add(key Hash3, signer string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	set, ok := v.signers[key]
	if !ok {
		set = make(map[string]struct{})
		v.signers[key] = set
	}
	set[signer] = struct{}{}
	return len(set)
}

// PublicKeys resolves a peer address to its identity public key for
// signature verification, sourced from the active GroupSnapshot's
// membership roster (out of scope here: key distribution itself).
type PublicKeys interface {
	PublicKeyFor(peerAddr string) (ed25519.PublicKey, bool)
}

// Deliver is invoked exactly once per height, with the block that won
// quorum (spec.md §8 invariant 4).
type Deliver func(b block.Block) error

// Engine runs Bracha broadcast across every block this node proposes or
// observes, against a single rotating GroupSnapshot history.
type Engine struct {
	self       Identity
	history    *block.SnapshotHistory
	keys       PublicKeys
	transport  Transport
	checkBlock CheckBlock
	deliver    Deliver
	tracker    *block.Tracker

	echoVotes  *votes
	readyVotes *votes

	sentReady map[Hash3]struct{}
	mu        sync.Mutex
}

func NewEngine(self Identity, history *block.SnapshotHistory, keys PublicKeys, transport Transport, checkBlock CheckBlock, deliver Deliver) *Engine {
	return &Engine{
		self:       self,
		history:    history,
		keys:       keys,
		transport:  transport,
		checkBlock: checkBlock,
		deliver:    deliver,
		tracker:    block.NewTracker(),
		echoVotes:  newVotes(),
		readyVotes: newVotes(),
		sentReady:  make(map[Hash3]struct{}),
	}
}

// Propose broadcasts a new block this node created (spec.md §4.C step 1).
func (e *Engine) Propose(ctx context.Context, b block.Block) error {
	h, err := block.HashOf(b)
	if err != nil {
		return err
	}
	b.Certificates = nil
	e.tracker.Observe(b, h)

	msg := Message{Kind: Propose, Height: b.Height, Hash: h, Block: &b, Signer: e.self.Address}
	msg.Sig = e.self.sign(b.Height, h, Propose)
	e.broadcastAll(ctx, msg)

	// The creator trusts its own proposal without running check_block
	// against it, then echoes exactly as any other node would on first
	// receipt of a valid PROPOSE (spec.md §4.C step 2).
	e.echoAndBroadcast(ctx, b.Height, h)
	return nil
}

// HandleMessage processes one inbound round message, advancing the
// block's lifecycle and broadcasting follow-on votes as quorum
// thresholds are crossed (spec.md §4.C steps 2-4).
func (e *Engine) HandleMessage(ctx context.Context, m Message) error {
	snap := e.history.Current()
	pub, ok := e.keys.PublicKeyFor(m.Signer)
	if !ok {
		return ErrUnknownSigner
	}
	if !verify(pub, m) {
		return ErrBadSignature
	}

	switch m.Kind {
	case Propose:
		return e.handlePropose(ctx, m, snap)
	case Echo:
		return e.handleEcho(ctx, m, snap)
	case Ready:
		return e.handleReady(ctx, m, snap)
	default:
		return errors.New("broadcast: unknown message kind")
	}
}

func (e *Engine) handlePropose(ctx context.Context, m Message, snap block.GroupSnapshot) error {
	if m.Block == nil {
		return errors.New("broadcast: propose message missing block body")
	}

	if _, seen := e.tracker.Stage(m.Height, m.Hash); seen {
		return nil // duplicate propose, already echoed once
	}
	e.tracker.Observe(*m.Block, m.Hash)

	if err := e.checkBlock(*m.Block); err != nil {
		_ = e.tracker.Advance(m.Height, m.Hash, block.Dropped)
		metrics.BlocksDropped.Inc()
		return nil
	}

	e.echoAndBroadcast(ctx, m.Height, m.Hash)
	return nil
}

// echoAndBroadcast advances a block to Echoed, broadcasts ECHO(hash) to
// every peer, and records this node's own echo vote directly: since
// broadcastAll never loops a message back to its sender, the sender's
// vote would otherwise never be tallied toward its own quorum check.
func (e *Engine) echoAndBroadcast(ctx context.Context, height uint64, h block.Hash) {
	if err := e.tracker.Advance(height, h, block.Echoed); err != nil && !errors.Is(err, block.ErrInvalidTransition) {
		log.Warningf("broadcast: advance to echoed failed for height %d: %v", height, err)
	}

	echo := Message{Kind: Echo, Height: height, Hash: h, Signer: e.self.Address}
	echo.Sig = e.self.sign(height, h, Echo)
	e.broadcastAll(ctx, echo)
	metrics.BroadcastRoundsSent.WithLabelValues("echo").Inc()

	e.recordEcho(ctx, height, h, e.self.Address, e.history.Current())
}

func (e *Engine) handleEcho(ctx context.Context, m Message, snap block.GroupSnapshot) error {
	e.recordEcho(ctx, m.Height, m.Hash, m.Signer, snap)
	return nil
}

func (e *Engine) recordEcho(ctx context.Context, height uint64, h block.Hash, signer string, snap block.GroupSnapshot) {
	key := Hash3{Height: height, Hash: h, Kind: Echo}
	count := e.echoVotes.add(key, signer)
	if count >= snap.EchoThreshold() {
		e.maybeSendReady(ctx, height, h, snap)
	}
}

func (e *Engine) handleReady(ctx context.Context, m Message, snap block.GroupSnapshot) error {
	return e.recordReady(ctx, m.Height, m.Hash, m.Signer, snap)
}

func (e *Engine) recordReady(ctx context.Context, height uint64, h block.Hash, signer string, snap block.GroupSnapshot) error {
	key := Hash3{Height: height, Hash: h, Kind: Ready}
	count := e.readyVotes.add(key, signer)

	if count >= snap.ReadyToEchoThreshold() {
		e.maybeSendReady(ctx, height, h, snap)
	}

	if count >= snap.DeliverThreshold() {
		return e.maybeDeliver(height, h)
	}
	return nil
}

// maybeSendReady broadcasts READY(h) the first time either quorum
// condition in spec.md §4.C step 3 is crossed for this block.
func (e *Engine) maybeSendReady(ctx context.Context, height uint64, h block.Hash, snap block.GroupSnapshot) {
	key := Hash3{Height: height, Hash: h, Kind: Ready}

	e.mu.Lock()
	if _, already := e.sentReady[key]; already {
		e.mu.Unlock()
		return
	}
	e.sentReady[key] = struct{}{}
	e.mu.Unlock()

	if err := e.tracker.Advance(height, h, block.Ready); err != nil && !errors.Is(err, block.ErrInvalidTransition) {
		log.Warningf("broadcast: advance to ready failed for height %d: %v", height, err)
	}

	ready := Message{Kind: Ready, Height: height, Hash: h, Signer: e.self.Address}
	ready.Sig = e.self.sign(height, h, Ready)
	e.broadcastAll(ctx, ready)
	metrics.BroadcastRoundsSent.WithLabelValues("ready").Inc()

	// Same self-loopback concern as recordEcho: our own READY vote must
	// be tallied even though broadcastAll never sends it back to us.
	if err := e.recordReady(ctx, height, h, e.self.Address, snap); err != nil {
		log.Errorf("broadcast: recording own ready vote failed for height %d: %v", height, err)
	}
}

// maybeDeliver finalises a block once 2f+1 READYs have been collected
// (spec.md §4.C step 4), enforcing the per-height delivery invariant and
// treating a delivery-time storage failure as fatal.
func (e *Engine) maybeDeliver(height uint64, h block.Hash) error {
	if _, already := e.tracker.DeliveredAt(height); already {
		return nil
	}

	b, ok := e.tracker.Block(height, h)
	if !ok {
		return nil
	}
	if err := e.tracker.Advance(height, h, block.Delivered); err != nil {
		if errors.Is(err, block.ErrHeightAlreadyDelivered) {
			return nil
		}
		return err
	}

	if err := e.deliver(b); err != nil {
		return ErrDeliveryFatal
	}
	metrics.BlocksDelivered.Inc()
	return nil
}

// broadcastAll fans a message out to every peer in the active snapshot
// except self, starting one goroutine per peer in the snapshot's peer
// order; the order in which the sends complete is not defined.
func (e *Engine) broadcastAll(ctx context.Context, m Message) {
	snap := e.history.Current()
	for _, peer := range snap.Peers {
		if peer == e.self.Address {
			continue
		}
		go func(addr string) {
			if err := e.transport.SendTo(ctx, addr, m); err != nil {
				log.Debugf("broadcast: send to %s failed: %v", addr, err)
			}
		}(peer)
	}
}

// DeliveredHash reports the hash delivered at a height, if any, for
// tests and monitoring.
func (e *Engine) DeliveredHash(height uint64) (block.Hash, bool) {
	return e.tracker.DeliveredAt(height)
}

// GroupChangeEvent replaces the active peer set, recording the block
// hash at which the change took effect (spec.md §4.C "Membership
// change"). If the local node was removed, block production should stop
// at the caller (internal/gateway). In-flight broadcasts already tracked
// here keep running, but from this call on their votes are counted
// against the new snapshot's peers and thresholds; the engine does not
// keep the snapshot a broadcast was proposed under.
func (e *Engine) GroupChangeEvent(next block.GroupSnapshot) {
	e.history.Replace(next)
}
