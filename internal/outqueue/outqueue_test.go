// outqueue_test.go - lane priority dequeue and cover traffic tests.
// SPDX-License-Identifier: AGPL-3.0-only
package outqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nymproject/mixcore/internal/lane"
	"github.com/nymproject/mixcore/internal/ports"
	"github.com/nymproject/mixcore/internal/preparer"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []ports.MixPacket
}

func (s *recordingSender) Send(ctx context.Context, pkt ports.MixPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, pkt)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func frag(addr string) *preparer.PreparedFragment {
	return &preparer.PreparedFragment{MixPacket: ports.MixPacket{NextHopAddress: addr}}
}

func TestGeneralLaneDequeuedBeforeBackgroundLanes(t *testing.T) {
	c := NewController(Config{}, &recordingSender{}, lane.NewLengths())
	c.Submit(lane.Lane{Kind: lane.AdditionalReplySurbs}, frag("bg"))
	c.Submit(lane.Lane{Kind: lane.General}, frag("fg"))

	pf, l, ok := c.dequeueOne()
	require.True(t, ok)
	require.Equal(t, lane.General, l.Kind)
	require.Equal(t, "fg", pf.MixPacket.NextHopAddress)

	pf, l, ok = c.dequeueOne()
	require.True(t, ok)
	require.Equal(t, lane.AdditionalReplySurbs, l.Kind)
	require.Equal(t, "bg", pf.MixPacket.NextHopAddress)
}

func TestSubmitPreservesFIFOWithinLane(t *testing.T) {
	c := NewController(Config{}, &recordingSender{}, lane.NewLengths())
	c.Submit(lane.Lane{Kind: lane.General}, frag("first"))
	c.Submit(lane.Lane{Kind: lane.General}, frag("second"))

	pf, _, ok := c.dequeueOne()
	require.True(t, ok)
	require.Equal(t, "first", pf.MixPacket.NextHopAddress)
	pf, _, ok = c.dequeueOne()
	require.True(t, ok)
	require.Equal(t, "second", pf.MixPacket.NextHopAddress)
}

func TestDequeueOneEmptyReturnsFalse(t *testing.T) {
	c := NewController(Config{}, &recordingSender{}, lane.NewLengths())
	_, _, ok := c.dequeueOne()
	require.False(t, ok)
}

func TestConnectionClosedDropsItsFragmentsOnly(t *testing.T) {
	lens := lane.NewLengths()
	c := NewController(Config{}, &recordingSender{}, lens)
	c.Submit(lane.Lane{Kind: lane.ConnectionID, ConnID: 1}, frag("conn1-a"))
	c.Submit(lane.Lane{Kind: lane.ConnectionID, ConnID: 1}, frag("conn1-b"))
	c.Submit(lane.Lane{Kind: lane.ConnectionID, ConnID: 2}, frag("conn2-a"))

	dropped := c.ConnectionClosed(1)
	require.Len(t, dropped, 2)

	pf, l, ok := c.dequeueOne()
	require.True(t, ok)
	require.Equal(t, lane.ConnectionID, l.Kind)
	require.Equal(t, uint64(2), l.ConnID)
	require.Equal(t, "conn2-a", pf.MixPacket.NextHopAddress)
}

func TestConnectionClosedUnknownConnReturnsNil(t *testing.T) {
	c := NewController(Config{}, &recordingSender{}, lane.NewLengths())
	require.Nil(t, c.ConnectionClosed(99))
}

func TestRunSendsLoopCoverWhenQueueEmpty(t *testing.T) {
	sender := &recordingSender{}
	c := NewController(Config{
		MessageSendingAverageDelay: time.Millisecond,
		SelfRecipient:              "self",
		PayloadSize:                16,
	}, sender, lane.NewLengths())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	require.Greater(t, sender.count(), 0)
	require.Equal(t, "self", sender.sent[0].NextHopAddress)
}

func TestRunSendsSubmittedFragmentInsteadOfCover(t *testing.T) {
	sender := &recordingSender{}
	c := NewController(Config{
		MessageSendingAverageDelay: time.Millisecond,
		SelfRecipient:              "self",
		PayloadSize:                16,
	}, sender, lane.NewLengths())
	c.Submit(lane.Lane{Kind: lane.General}, frag("real-traffic"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	require.Greater(t, sender.count(), 0)
	require.Equal(t, "real-traffic", sender.sent[0].NextHopAddress)
}
