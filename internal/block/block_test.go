// block_test.go
// SPDX-License-Identifier: AGPL-3.0-only

package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashOfStableAcrossCertificates(t *testing.T) {
	b := Block{Height: 7, Creator: "node-0", Payload: []byte("batch-7")}
	h1, err := HashOf(b)
	require.NoError(t, err)

	b.Certificates = append(b.Certificates, Certificate{Signer: "node-1", Signature: []byte("sig")})
	h2, err := HashOf(b)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestTrackerLifecycleOrdering(t *testing.T) {
	tr := NewTracker()
	b := Block{Height: 1, Creator: "node-0"}
	h, err := HashOf(b)
	require.NoError(t, err)

	tr.Observe(b, h)
	stage, ok := tr.Stage(1, h)
	require.True(t, ok)
	assert.Equal(t, Proposed, stage)

	assert.NoError(t, tr.Advance(1, h, Echoed))
	assert.ErrorIs(t, tr.Advance(1, h, Proposed), ErrInvalidTransition)
	assert.NoError(t, tr.Advance(1, h, Ready))
	assert.NoError(t, tr.Advance(1, h, Delivered))
	assert.ErrorIs(t, tr.Advance(1, h, Dropped), ErrInvalidTransition)
}

func TestTrackerAtMostOneDeliveryPerHeight(t *testing.T) {
	tr := NewTracker()
	a := Block{Height: 5, Creator: "node-0", Payload: []byte("a")}
	bb := Block{Height: 5, Creator: "node-1", Payload: []byte("b")}
	ha, err := HashOf(a)
	require.NoError(t, err)
	hb, err := HashOf(bb)
	require.NoError(t, err)

	tr.Observe(a, ha)
	tr.Observe(bb, hb)
	require.NoError(t, tr.Advance(5, ha, Echoed))
	require.NoError(t, tr.Advance(5, ha, Ready))
	require.NoError(t, tr.Advance(5, ha, Delivered))

	require.NoError(t, tr.Advance(5, hb, Echoed))
	require.NoError(t, tr.Advance(5, hb, Ready))
	assert.ErrorIs(t, tr.Advance(5, hb, Delivered), ErrHeightAlreadyDelivered)
}

func TestQuorumThresholds(t *testing.T) {
	snap := GroupSnapshot{N: 4, F: 1}
	assert.Equal(t, 3, snap.EchoThreshold())
	assert.Equal(t, 2, snap.ReadyToEchoThreshold())
	assert.Equal(t, 3, snap.DeliverThreshold())
}

func TestSnapshotHistoryBounded(t *testing.T) {
	h := NewSnapshotHistory(2, GroupSnapshot{N: 4, F: 1, EffectiveFrom: Hash{1}})
	h.Replace(GroupSnapshot{N: 4, F: 1, EffectiveFrom: Hash{2}})
	h.Replace(GroupSnapshot{N: 4, F: 1, EffectiveFrom: Hash{3}})

	_, ok := h.At(Hash{1})
	assert.False(t, ok, "oldest snapshot should have been evicted")

	_, ok = h.At(Hash{3})
	assert.True(t, ok)
}
