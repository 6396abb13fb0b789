// forwarder_test.go - delay queue and oldest-wins eviction tests.
// SPDX-License-Identifier: AGPL-3.0-only
package forwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nymproject/mixcore/internal/ports"
)

func TestEnqueueDeliversWhenDue(t *testing.T) {
	q := NewQueue(16)
	defer q.Close()

	q.Enqueue(ports.MixPacket{NextHopAddress: "m2:1789"}, time.Now())

	pkt, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, "m2:1789", pkt.NextHopAddress)
}

func TestEnqueueHonoursDeliverAtOrdering(t *testing.T) {
	q := NewQueue(16)
	defer q.Close()

	now := time.Now()
	q.Enqueue(ports.MixPacket{NextHopAddress: "late"}, now.Add(5*time.Millisecond))
	q.Enqueue(ports.MixPacket{NextHopAddress: "early"}, now)

	first, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, "early", first.NextHopAddress)

	second, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, "late", second.NextHopAddress)
}

func TestEnqueueEvictsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	defer q.Close()

	far := time.Now().Add(time.Hour)
	q.Enqueue(ports.MixPacket{NextHopAddress: "oldest"}, far)
	q.Enqueue(ports.MixPacket{NextHopAddress: "second"}, far)
	// Queue is now full; this enqueue must evict "oldest", not "second".
	q.Enqueue(ports.MixPacket{NextHopAddress: "third"}, far)

	q.mu.Lock()
	addrs := make(map[string]bool)
	for _, s := range q.h {
		addrs[s.pkt.NextHopAddress] = true
	}
	q.mu.Unlock()

	require.False(t, addrs["oldest"])
	require.True(t, addrs["second"])
	require.True(t, addrs["third"])
}

func TestCloseStopsDelivery(t *testing.T) {
	q := NewQueue(4)
	q.Close()

	_, ok := q.Next()
	require.False(t, ok)
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	q := NewQueue(4)
	q.Close()
	q.Enqueue(ports.MixPacket{NextHopAddress: "x"}, time.Now())
	require.Equal(t, 0, len(q.h))
}

var _ ports.MixForwarder = (*Queue)(nil)
