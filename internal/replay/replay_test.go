// replay_test.go - epoch-partitioned replay filter tests.
// SPDX-License-Identifier: AGPL-3.0-only
package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tag(b byte) [32]byte {
	var t [32]byte
	t[0] = b
	return t
}

func TestCheckAndSetBlockingFirstSeenThenReplay(t *testing.T) {
	f := New(DefaultConfig())
	tg := tag(1)

	hits, err := f.CheckAndSetBlocking(0, [][32]byte{tg})
	require.NoError(t, err)
	require.Equal(t, []bool{false}, hits)

	hits, err = f.CheckAndSetBlocking(0, [][32]byte{tg})
	require.NoError(t, err)
	require.Equal(t, []bool{true}, hits)
}

func TestSameTagDifferentEpochsNotAReplay(t *testing.T) {
	f := New(DefaultConfig())
	tg := tag(2)

	hits, err := f.CheckAndSetBlocking(0, [][32]byte{tg})
	require.NoError(t, err)
	require.False(t, hits[0])

	hits, err = f.CheckAndSetBlocking(1, [][32]byte{tg})
	require.NoError(t, err)
	require.False(t, hits[0])
}

func TestExpireEpochClearsOnlyThatPartition(t *testing.T) {
	f := New(DefaultConfig())
	a, b := tag(3), tag(4)

	_, err := f.CheckAndSetBlocking(0, [][32]byte{a})
	require.NoError(t, err)
	_, err = f.CheckAndSetBlocking(1, [][32]byte{b})
	require.NoError(t, err)

	f.ExpireEpoch(0)

	hits, err := f.CheckAndSetBlocking(0, [][32]byte{a})
	require.NoError(t, err)
	require.False(t, hits[0], "expired partition should forget its tags")

	hits, err = f.CheckAndSetBlocking(1, [][32]byte{b})
	require.NoError(t, err)
	require.True(t, hits[0], "un-expired partition must still recognise its tag")
}

func TestMarkPoisonedFailsSubsequentChecks(t *testing.T) {
	f := New(DefaultConfig())
	f.MarkPoisoned()

	_, err := f.CheckAndSetBlocking(0, [][32]byte{tag(5)})
	require.ErrorIs(t, err, ErrPoisoned{})
	require.Error(t, f.HealthCheck())
}

func TestHealthCheckOKWhenNotPoisoned(t *testing.T) {
	f := New(DefaultConfig())
	require.NoError(t, f.HealthCheck())
}

func TestPendingQueueDrainsAtCountBound(t *testing.T) {
	q := NewPendingQueue(Config{MaxPending: 3, MaxDeferral: time.Hour})
	require.False(t, q.Add(tag(1)))
	require.False(t, q.Add(tag(2)))
	require.True(t, q.Add(tag(3)))
	require.Equal(t, 3, q.Len())

	drained := q.Drain()
	require.Len(t, drained, 3)
	require.Equal(t, 0, q.Len())
}

func TestPendingQueueDrainsAtTimeBound(t *testing.T) {
	q := NewPendingQueue(Config{MaxPending: 1000, MaxDeferral: time.Millisecond})
	require.False(t, q.Add(tag(1)))
	time.Sleep(2 * time.Millisecond)
	require.True(t, q.Add(tag(2)))
}

func TestTryCheckAndSetSucceedsWhenUncontended(t *testing.T) {
	f := New(DefaultConfig())
	hits, ok, err := f.TryCheckAndSet(0, [][32]byte{tag(9)})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []bool{false}, hits)
}
