// ack.go - the acknowledgement controller (spec.md §4.B.3).
// SPDX-License-Identifier: AGPL-3.0-only

// Package ack tracks one PendingAcknowledgement per outstanding
// fragment, fires retransmissions off a monotonic deadline timer, and
// abandons a fragment after a configurable retransmission cap. Built on
// internal/timerqueue, the same shape the teacher's client2/arq.go ARQ
// drives its own resend logic with.
package ack

import (
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/metrics"
	"github.com/nymproject/mixcore/internal/timerqueue"
)

var log = logging.MustGetLogger("ack")

// Config names the retransmission-deadline formula's tunables (spec.md §6).
type Config struct {
	AckWaitMultiplier   float64
	AckWaitAddition     time.Duration
	AverageAckDelay     time.Duration
	MaxRetransmissions  uint32
}

// PendingAcknowledgement is the record kept per spec.md §3: exactly one
// entry exists per outstanding fragment, removed on ack arrival or
// abandoned after the retransmission cap.
type PendingAcknowledgement struct {
	FragmentKey         [32]byte // the ack key embedded when the fragment was prepared
	Deadline            time.Time
	RetransmissionCount uint32
	retransmit          RetransmitFunc
	multiplier          float64
}

// RetransmitFunc re-encrypts and resends a fragment, returning the new
// sum of hop delays so the next deadline can be recomputed.
type RetransmitFunc func(retransmissionCount uint32) (newHopDelaySum time.Duration, err error)

// AbandonFunc notifies the user layer that a fragment was abandoned
// after exceeding the retransmission cap (spec.md §4.B.3).
type AbandonFunc func(fragmentKey [32]byte)

// Controller owns all outstanding PendingAcknowledgements.
type Controller struct {
	cfg     Config
	abandon AbandonFunc

	mu      sync.Mutex
	pending map[[32]byte]*PendingAcknowledgement

	tq  *timerqueue.TimerQueue
	rtt *RTTAnalyzer
}

func NewController(cfg Config, abandon AbandonFunc) *Controller {
	c := &Controller{
		cfg:     cfg,
		abandon: abandon,
		pending: make(map[[32]byte]*PendingAcknowledgement),
		rtt:     NewRTTAnalyzer(),
	}
	c.tq = timerqueue.NewTimerQueue(c.onFire, timerqueue.NowNanos)
	return c
}

func (c *Controller) Start() { c.tq.Start() }
func (c *Controller) Stop()  { c.tq.Halt(); c.tq.Wait() }

// expectedRTT implements spec.md §4.B.3's formula:
// expected_rtt = 2*sum(hop_delays) + average_ack_delay*3.
func (c *Controller) expectedRTT(hopDelaySum time.Duration) time.Duration {
	return 2*hopDelaySum + 3*c.cfg.AverageAckDelay
}

// deadlineFor implements: deadline = t_send + ack_wait_multiplier *
// expected_rtt + ack_wait_addition.
func (c *Controller) deadlineFor(sendTime time.Time, multiplier float64, hopDelaySum time.Duration) time.Time {
	rtt := c.expectedRTT(hopDelaySum)
	wait := time.Duration(multiplier*float64(rtt)) + c.cfg.AckWaitAddition
	return sendTime.Add(wait)
}

// Track registers a freshly-sent fragment for acknowledgement tracking.
func (c *Controller) Track(fragmentKey [32]byte, sendTime time.Time, hopDelaySum time.Duration, retransmit RetransmitFunc) {
	deadline := c.deadlineFor(sendTime, c.cfg.AckWaitMultiplier, hopDelaySum)
	pa := &PendingAcknowledgement{
		FragmentKey: fragmentKey,
		Deadline:    deadline,
		retransmit:  retransmit,
		multiplier:  c.cfg.AckWaitMultiplier,
	}

	c.mu.Lock()
	c.pending[fragmentKey] = pa
	metrics.PendingAcks.Set(float64(len(c.pending)))
	c.mu.Unlock()

	c.tq.Push(uint64(deadline.UnixNano()), fragmentKey)
}

// Cancel removes a pending entry without treating it as an acknowledged
// round trip, e.g. when its owning connection closes (spec.md §4.B
// "Cancellation & lane backpressure"). Unlike HandleAck it never feeds
// the RTT analyzer.
func (c *Controller) Cancel(fragmentKey [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[fragmentKey]; ok {
		delete(c.pending, fragmentKey)
		metrics.PendingAcks.Set(float64(len(c.pending)))
	}
}

// HandleAck removes the pending entry for a fragment whose ack arrived,
// satisfying spec.md §8 invariant 3 ("every pending-ack entry is
// eventually removed ... by ack arrival").
func (c *Controller) HandleAck(fragmentKey [32]byte, observedRTT time.Duration) {
	c.mu.Lock()
	_, ok := c.pending[fragmentKey]
	if ok {
		delete(c.pending, fragmentKey)
		metrics.PendingAcks.Set(float64(len(c.pending)))
	}
	c.mu.Unlock()
	if ok {
		c.rtt.Observe(observedRTT)
	}
}

// onFire is the TimerQueue callback: retransmit, grow the multiplier,
// and reinsert, or abandon once the cap is exceeded.
func (c *Controller) onFire(value interface{}) {
	fragmentKey := value.([32]byte)

	c.mu.Lock()
	pa, ok := c.pending[fragmentKey]
	c.mu.Unlock()
	if !ok {
		// Already acked; spec.md §4.B.3's "no fallible operations on the
		// hot path" — this is a normal race, not an error.
		return
	}

	if pa.RetransmissionCount >= c.cfg.MaxRetransmissions {
		c.mu.Lock()
		delete(c.pending, fragmentKey)
		metrics.PendingAcks.Set(float64(len(c.pending)))
		c.mu.Unlock()
		metrics.FragmentsAbandoned.Inc()
		log.Warningf("fragment %x abandoned after %d retransmissions", fragmentKey[:8], pa.RetransmissionCount)
		c.abandon(fragmentKey)
		return
	}

	newHopDelaySum, err := pa.retransmit(pa.RetransmissionCount + 1)
	if err != nil {
		log.Errorf("retransmit of fragment %x failed: %v", fragmentKey[:8], err)
		// Still reinsert so we try again at the next deadline rather than
		// silently losing the fragment.
		newHopDelaySum = 0
	}
	metrics.Retransmissions.Inc()

	pa.RetransmissionCount++
	pa.multiplier *= c.cfg.AckWaitMultiplier
	pa.Deadline = c.deadlineFor(time.Now(), pa.multiplier, newHopDelaySum)

	c.mu.Lock()
	c.pending[fragmentKey] = pa
	c.mu.Unlock()
	c.tq.Push(uint64(pa.Deadline.UnixNano()), fragmentKey)
}

// Pending reports the current outstanding-ack count, for tests and metrics.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
