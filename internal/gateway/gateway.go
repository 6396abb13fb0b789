// gateway.go - the reliable-broadcast engine (spec.md §4.C).
// SPDX-License-Identifier: AGPL-3.0-only

// Package gateway composes internal/block and internal/broadcast into
// the Reliable-Broadcast Engine a gateway runs against its peer
// committee: it persists delivered blocks, reacts to membership changes,
// and enforces that block production stops once the local node is no
// longer a member while letting in-flight broadcasts drain.
package gateway

import (
	"context"
	"crypto/ed25519"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/block"
	"github.com/nymproject/mixcore/internal/broadcast"
)

var log = logging.MustGetLogger("gateway")

var blocksBucket = []byte("delivered-blocks")

// BlockStore persists delivered blocks. A write failure here is fatal
// per spec.md §4.C "Database write failure at the deliver step is
// fatal (node shuts down to preserve safety)".
type BlockStore interface {
	PutDelivered(b block.Block) error
}

// boltBlockStore is the reference BlockStore, grounded in the same
// bbolt bucket-per-concern layout as internal/storage/boltstore.
type boltBlockStore struct {
	db *bolt.DB
}

// OpenBlockStore opens (or creates) a bbolt-backed BlockStore at path.
func OpenBlockStore(path string) (BlockStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltBlockStore{db: db}, nil
}

func (s *boltBlockStore) PutDelivered(b block.Block) error {
	h, err := block.HashOf(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(heightKey(b.Height), h[:])
	})
}

func heightKey(height uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(height)
		height >>= 8
	}
	return buf
}

// ShutdownFunc is invoked when a delivery-time storage failure demands
// the node terminate to preserve safety.
type ShutdownFunc func(reason error)

// Engine is the Reliable-Broadcast Engine of spec.md §4.C.
type Engine struct {
	inner    *broadcast.Engine
	store    BlockStore
	shutdown ShutdownFunc

	removed int32 // atomic bool: local node no longer in the active group
}

// New wires a broadcast.Engine around store and shutdown: every
// delivered block is persisted, and a persistence failure triggers
// shutdown rather than continuing in a potentially unsafe state.
func New(self broadcast.Identity, history *block.SnapshotHistory, keys broadcast.PublicKeys, transport broadcast.Transport, checkBlock broadcast.CheckBlock, store BlockStore, shutdown ShutdownFunc) *Engine {
	e := &Engine{store: store, shutdown: shutdown}
	e.inner = broadcast.NewEngine(self, history, keys, transport, checkBlock, e.deliver)
	return e
}

func (e *Engine) deliver(b block.Block) error {
	if err := e.store.PutDelivered(b); err != nil {
		log.Errorf("gateway: persisting delivered block at height %d failed: %v", b.Height, err)
		if e.shutdown != nil {
			e.shutdown(err)
		}
		return err
	}
	return nil
}

// Propose broadcasts a new block this node created, refusing if the
// local node has already been removed from the active committee.
func (e *Engine) Propose(ctx context.Context, b block.Block) error {
	if atomic.LoadInt32(&e.removed) == 1 {
		return errNodeRemoved
	}
	return e.inner.Propose(ctx, b)
}

// HandleMessage processes one inbound Bracha round message. Messages
// continue to be processed even after local removal, so in-flight
// broadcasts this node already echoed or readied can still drain
// (spec.md §4.C "in-flight broadcasts continue to drain").
func (e *Engine) HandleMessage(ctx context.Context, m broadcast.Message) error {
	return e.inner.HandleMessage(ctx, m)
}

// GroupChangeEvent installs a new committee snapshot. If the local node
// is no longer a member, block production stops (Propose starts
// refusing) but HandleMessage keeps draining in-flight broadcasts.
func (e *Engine) GroupChangeEvent(next block.GroupSnapshot, selfAddr string) {
	e.inner.GroupChangeEvent(next)

	stillMember := false
	for _, p := range next.Peers {
		if p == selfAddr {
			stillMember = true
			break
		}
	}
	if stillMember {
		atomic.StoreInt32(&e.removed, 0)
	} else {
		atomic.StoreInt32(&e.removed, 1)
		log.Warningf("gateway: local node removed from the active committee, block production paused")
	}
}

var errNodeRemoved = nodeRemovedError{}

type nodeRemovedError struct{}

func (nodeRemovedError) Error() string {
	return "gateway: local node is not a member of the active committee"
}

// Ed25519Keys adapts a static map of peer address to public key into a
// broadcast.PublicKeys, the simplest possible roster for tests and
// single-process wiring; a production roster would resolve keys from
// node descriptors (out of scope here, spec.md §1).
type Ed25519Keys map[string]ed25519.PublicKey

func (k Ed25519Keys) PublicKeyFor(peerAddr string) (ed25519.PublicKey, bool) {
	pub, ok := k[peerAddr]
	return pub, ok
}
