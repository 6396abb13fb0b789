// gateway_test.go
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymproject/mixcore/internal/block"
	"github.com/nymproject/mixcore/internal/broadcast"
)

type memStore struct {
	mu        sync.Mutex
	delivered map[uint64]block.Hash
}

func newMemStore() *memStore { return &memStore{delivered: make(map[uint64]block.Hash)} }

func (s *memStore) PutDelivered(b block.Block) error {
	h, err := block.HashOf(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[b.Height] = h
	return nil
}

// memNetwork routes Transport.SendTo calls directly to each Engine's
// HandleMessage, standing in for internal/gatewaynet in these tests.
type memNetwork struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

func newMemNetwork() *memNetwork { return &memNetwork{engines: make(map[string]*Engine)} }

func (n *memNetwork) register(addr string, e *Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engines[addr] = e
}

func (n *memNetwork) SendTo(ctx context.Context, peerAddr string, m broadcast.Message) error {
	n.mu.Lock()
	e, ok := n.engines[peerAddr]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return e.HandleMessage(ctx, m)
}

func acceptAll(block.Block) error { return nil }

func fourNodeCommittee(t *testing.T, net *memNetwork) ([]*Engine, block.GroupSnapshot) {
	t.Helper()
	addrs := []string{"node-0", "node-1", "node-2", "node-3"}
	keys := make(Ed25519Keys)
	engines := make([]*Engine, len(addrs))

	snap := block.GroupSnapshot{Peers: addrs, N: 4, F: 1}
	history := block.NewSnapshotHistory(16, snap)

	privs := make([]ed25519.PrivateKey, len(addrs))
	for i, addr := range addrs {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		keys[addr] = pub
		privs[i] = priv
	}

	for i, addr := range addrs {
		id := broadcast.Identity{Address: addr, PrivateKey: privs[i]}
		e := New(id, history, keys, net, acceptAll, newMemStore(), nil)
		engines[i] = e
		net.register(addr, e)
	}
	return engines, snap
}

func TestFourNodeQuorumDeliversBlock(t *testing.T) {
	net := newMemNetwork()
	engines, _ := fourNodeCommittee(t, net)

	b := block.Block{Height: 7, Creator: "node-0", Payload: []byte("batch-7")}
	require.NoError(t, engines[0].Propose(context.Background(), b))

	h, err := block.HashOf(b)
	require.NoError(t, err)

	for _, e := range engines {
		assert.Eventually(t, func() bool {
			delivered, ok := e.inner.DeliveredHash(7)
			return ok && delivered == h
		}, time.Second, time.Millisecond, "engine %p should deliver height 7", e)
	}
}

func TestProposeRefusedAfterRemoval(t *testing.T) {
	net := newMemNetwork()
	engines, snap := fourNodeCommittee(t, net)

	reduced := snap
	reduced.Peers = []string{"node-1", "node-2", "node-3"}
	reduced.N, reduced.F = 3, 0
	engines[0].GroupChangeEvent(reduced, "node-0")

	err := engines[0].Propose(context.Background(), block.Block{Height: 8, Creator: "node-0"})
	assert.ErrorIs(t, err, errNodeRemoved)
}
