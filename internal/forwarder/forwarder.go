// forwarder.go - mix forwarding queue with oldest-wins eviction.
// SPDX-License-Identifier: AGPL-3.0-only

// Package forwarder implements the MixForwarder port (spec.md §6): a
// non-blocking enqueue of MixPacket+deliver-at pairs, draining into an
// egress sender once each packet's delay has elapsed. Queue-full evicts
// the oldest entry rather than blocking or rejecting the newest one
// (spec.md §4.A Failure semantics). Packets whose delay has already
// elapsed are handed off to a resizable, unbounded eapache/channels
// queue for the egress sender to drain, grounded in the teacher's
// server.go which uses the same library (github.com/eapache/channels)
// for its own mix-to-mix send queue.
package forwarder

import (
	"container/heap"
	"sync"
	"time"

	"gopkg.in/eapache/channels.v1"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/metrics"
	"github.com/nymproject/mixcore/internal/ports"
)

var log = logging.MustGetLogger("forwarder")

// scheduled pairs a MixPacket with its target send time, for ordering in
// the delay heap.
type scheduled struct {
	pkt       ports.MixPacket
	deliverAt time.Time
	seq       uint64 // insertion order; also used to identify "oldest"
}

type delayHeap []*scheduled

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].deliverAt.Equal(h[j].deliverAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].deliverAt.Before(h[j].deliverAt)
}
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*scheduled)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a bounded, delay-ordered forwarding queue implementing
// ports.MixForwarder. A background ticking goroutine moves due packets
// from the delay heap onto an unbounded eapache/channels.Channel, which
// the egress sender drains with Next. When the heap is full, the packet
// with the oldest insertion sequence number is evicted, matching
// "oldest-wins eviction" in spec.md §4.A.
type Queue struct {
	mu       sync.Mutex
	h        delayHeap
	capacity int
	nextSeq  uint64
	closed   bool
	closeCh  chan struct{}

	ready channels.Channel // unbounded; holds due ports.MixPacket values
}

func NewQueue(capacity int) *Queue {
	q := &Queue{
		capacity: capacity,
		closeCh:  make(chan struct{}),
		ready:    channels.NewInfiniteChannel(),
	}
	go q.pump()
	return q
}

// Enqueue implements ports.MixForwarder. It never blocks.
func (q *Queue) Enqueue(pkt ports.MixPacket, deliverAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if len(q.h) >= q.capacity {
		q.evictOldestLocked()
	}

	q.nextSeq++
	heap.Push(&q.h, &scheduled{pkt: pkt, deliverAt: deliverAt, seq: q.nextSeq})
}

func (q *Queue) evictOldestLocked() {
	oldestIdx := 0
	for i := range q.h {
		if q.h[i].seq < q.h[oldestIdx].seq {
			oldestIdx = i
		}
	}
	heap.Remove(&q.h, oldestIdx)
	metrics.ForwarderQueueEvictions.Inc()
	log.Warning("forwarder queue full, evicted oldest packet")
}

// pump periodically moves packets whose deliverAt has elapsed onto the
// ready channel for the sender to drain.
func (q *Queue) pump() {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.closeCh:
			q.ready.Close()
			return
		case <-ticker.C:
			q.drainDue()
		}
	}
}

func (q *Queue) drainDue() {
	q.mu.Lock()
	now := time.Now()
	var due []ports.MixPacket
	for len(q.h) > 0 && !q.h[0].deliverAt.After(now) {
		item := heap.Pop(&q.h).(*scheduled)
		due = append(due, item.pkt)
	}
	q.mu.Unlock()

	for _, pkt := range due {
		q.ready.In() <- pkt
	}
}

// Next blocks until a due packet is available, or the queue is closed
// (returns ok=false).
func (q *Queue) Next() (ports.MixPacket, bool) {
	v, ok := <-q.ready.Out()
	if !ok {
		return ports.MixPacket{}, false
	}
	return v.(ports.MixPacket), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h) + q.ready.Len()
}

func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closeCh)
}

var _ ports.MixForwarder = (*Queue)(nil)
