// outqueue.go - the out-queue controller (spec.md §4.B.2).
// SPDX-License-Identifier: AGPL-3.0-only

// Package outqueue drives a single Poisson clock at rate
// 1/message_sending_average_delay. On each tick it dequeues one prepared
// packet, or synthesises a loop-cover packet if none is pending and
// cover traffic is enabled, so the observable send rate cannot be
// distinguished from real traffic.
package outqueue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/lane"
	"github.com/nymproject/mixcore/internal/ports"
	"github.com/nymproject/mixcore/internal/preparer"
)

var log = logging.MustGetLogger("outqueue")

// Config names the Poisson means and cover-traffic toggles of spec.md §6.
type Config struct {
	MessageSendingAverageDelay time.Duration
	LoopCoverTrafficAvgDelay   time.Duration
	DisableLoopCover           bool
	DisableMainPoisson         bool
	SelfRecipient              string
	PayloadSize                int
}

// Sender is the egress side: whatever turns a MixPacket into bytes on
// the wire to the gateway (out of scope here; injected by internal/client).
type Sender interface {
	Send(ctx context.Context, pkt ports.MixPacket) error
}

// laneQueue is one FIFO of pending prepared fragments for a lane.
type laneQueue struct {
	items []*preparer.PreparedFragment
}

// Controller owns the per-lane queues and the Poisson send clock.
type Controller struct {
	cfg    Config
	sender Sender
	rng    *rand.Rand
	lens   *lane.Lengths

	mu     sync.Mutex
	queues map[lane.Kind][]*laneQueue // index 0 used for General/ReplySurbRequest/AdditionalReplySurbs; per-ConnID queues tracked separately
	conns  map[uint64]*laneQueue

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewController(cfg Config, sender Sender, lens *lane.Lengths) *Controller {
	return &Controller{
		cfg:    cfg,
		sender: sender,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		lens:   lens,
		queues: map[lane.Kind][]*laneQueue{
			lane.General:               {{}},
			lane.ReplySurbRequest:      {{}},
			lane.AdditionalReplySurbs:  {{}},
		},
		conns:  make(map[uint64]*laneQueue),
		stopCh: make(chan struct{}),
	}
}

// Submit enqueues a prepared fragment on its lane, in application
// submission order; retransmissions are submitted the same way and may
// overtake first-time sends only insofar as they are submitted later
// but the ack controller decides urgency (spec.md §5 ordering guarantees).
func (c *Controller) Submit(l lane.Lane, pf *preparer.PreparedFragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queueForLocked(l)
	q.items = append(q.items, pf)
	c.lens.Inc(l)
}

func (c *Controller) queueForLocked(l lane.Lane) *laneQueue {
	if l.Kind == lane.ConnectionID {
		q, ok := c.conns[l.ConnID]
		if !ok {
			q = &laneQueue{}
			c.conns[l.ConnID] = q
		}
		return q
	}
	return c.queues[l.Kind][0]
}

// ConnectionClosed drops pending fragments in the given connection's
// lane (spec.md §4.B "Cancellation & lane backpressure"). The caller is
// responsible for also cancelling pending acks and releasing SURBs for
// the dropped fragments, since those live in other components.
func (c *Controller) ConnectionClosed(connID uint64) []*preparer.PreparedFragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.conns[connID]
	if !ok {
		return nil
	}
	delete(c.conns, connID)
	c.lens.ClearConnection(connID)
	return q.items
}

// Run drives the Poisson clock until ctx is cancelled. Each tick dequeues
// by strict lane priority (spec.md §9's simplification of the implicit
// round-robin weighting), falling back to a loop-cover packet when every
// lane is empty and cover traffic is enabled.
func (c *Controller) Run(ctx context.Context) {
	for {
		if c.cfg.DisableMainPoisson {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		wait := sampleExp(c.rng, c.cfg.MessageSendingAverageDelay)
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(wait):
		}

		pf, l, ok := c.dequeueOne()
		if ok {
			if err := c.sender.Send(ctx, pf.MixPacket); err != nil {
				log.Warningf("outqueue: send failed: %v", err)
			}
			c.lens.Dec(l)
			continue
		}

		if !c.cfg.DisableLoopCover {
			c.sendLoopCover(ctx)
		}
	}
}

func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// dequeueOne picks the highest-priority non-empty lane and pops its
// head. General is tried first so background SURB-refill traffic can
// never starve foreground sends (spec.md §9 Open Question).
func (c *Controller) dequeueOne() (*preparer.PreparedFragment, lane.Lane, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := []lane.Kind{lane.General, lane.ReplySurbRequest, lane.AdditionalReplySurbs}
	for _, k := range order {
		q := c.queues[k][0]
		if len(q.items) > 0 {
			pf := q.items[0]
			q.items = q.items[1:]
			return pf, lane.Lane{Kind: k}, true
		}
	}
	for id, q := range c.conns {
		if len(q.items) > 0 {
			pf := q.items[0]
			q.items = q.items[1:]
			return pf, lane.Lane{Kind: lane.ConnectionID, ConnID: id}, true
		}
	}
	return nil, lane.Lane{}, false
}

func (c *Controller) sendLoopCover(ctx context.Context) {
	pkt := ports.MixPacket{NextHopAddress: c.cfg.SelfRecipient, SphinxPayload: make([]byte, c.cfg.PayloadSize)}
	if err := c.sender.Send(ctx, pkt); err != nil {
		log.Debugf("outqueue: loop cover send failed: %v", err)
	}
}

func sampleExp(rng *rand.Rand, mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	lambda := 1.0 / float64(mean)
	return time.Duration(rng.ExpFloat64() / lambda)
}
