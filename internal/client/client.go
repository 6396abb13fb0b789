// client.go - the client traffic controller (spec.md §4.B).
// SPDX-License-Identifier: AGPL-3.0-only

// Package client composes the message preparer, out-queue controller,
// acknowledgement controller, SURB pool, and received-message buffer
// into the single Client Traffic Controller of spec.md §4.B: fragment,
// pace, ack-track, retransmit, and reassemble. Cross-component effects
// are expressed as enqueued actions rather than shared pointers (spec.md
// §9), since each sub-component owns its own state.
package client

import (
	"context"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/ack"
	"github.com/nymproject/mixcore/internal/fragment"
	"github.com/nymproject/mixcore/internal/lane"
	"github.com/nymproject/mixcore/internal/outqueue"
	"github.com/nymproject/mixcore/internal/ports"
	"github.com/nymproject/mixcore/internal/preparer"
	"github.com/nymproject/mixcore/internal/received"
	"github.com/nymproject/mixcore/internal/surb"
)

var log = logging.MustGetLogger("client")

// Action is one of the cross-component effects the controller's
// sub-components communicate with, instead of sharing pointers directly
// (spec.md §9).
type Action struct {
	Kind       ActionKind
	Lane       lane.Lane
	FragmentID fragment.ID
}

type ActionKind int

const (
	ActionInsert ActionKind = iota
	ActionRemove
	ActionRetransmit
)

// Config bundles the client-side tunables of spec.md §6.
type Config struct {
	OutQueue   outqueue.Config
	Ack        ack.Config
	Watermarks surb.Watermarks
}

// Controller is the Client Traffic Controller of spec.md §4.B.
type Controller struct {
	preparer *preparer.Preparer
	outq     *outqueue.Controller
	ackCtl   *ack.Controller
	surbs    *surb.Map
	buffer   *received.Buffer
	lens     *lane.Lengths

	topologyMu sync.RWMutex
	topology   *ports.Topology

	mu        sync.Mutex
	nextSetID uint64
}

// New wires the preparer, out-queue, ack controller, SURB pool, and
// received buffer into one Client Traffic Controller. requestSurbs is
// invoked whenever a sender tag's pool drops below its low watermark, so
// the caller can enqueue a SurbRequest on the ReplySurbRequest lane.
func New(p *preparer.Preparer, cfg Config, sender outqueue.Sender, requestSurbs func(senderTag string)) *Controller {
	lens := lane.NewLengths()
	c := &Controller{
		preparer: p,
		lens:     lens,
		buffer:   received.NewBuffer(),
	}
	c.outq = outqueue.NewController(cfg.OutQueue, sender, lens)
	c.ackCtl = ack.NewController(cfg.Ack, c.handleAbandon)
	c.surbs = surb.NewMap(cfg.Watermarks, requestSurbs)
	return c
}

func (c *Controller) Start(ctx context.Context) {
	c.ackCtl.Start()
	go c.outq.Run(ctx)
}

func (c *Controller) Stop() {
	c.ackCtl.Stop()
	c.outq.Stop()
}

func (c *Controller) SetTopology(t *ports.Topology) {
	c.topologyMu.Lock()
	c.topology = t
	c.topologyMu.Unlock()
}

func (c *Controller) currentTopology() *ports.Topology {
	c.topologyMu.RLock()
	defer c.topologyMu.RUnlock()
	return c.topology
}

var ErrTopologyInsufficient = preparer.ErrTopologyInsufficient

// Send fragments msg, prepares and schedules each fragment on the
// General lane, and tracks each for acknowledgement. Topology-
// insufficient errors fail the whole send immediately (spec.md §4.B
// Failure semantics).
func (c *Controller) Send(recipient string, msg []byte) error {
	topo := c.currentTopology()
	if topo == nil {
		return ErrTopologyInsufficient
	}

	setID := c.newSetID()
	frags, err := c.preparer.PadAndSplit(setID, msg)
	if err != nil {
		return err
	}

	for _, f := range frags {
		if err := c.sendFragment(f, topo, recipient, lane.Lane{Kind: lane.General}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) sendFragment(f fragment.Fragment, topo *ports.Topology, recipient string, l lane.Lane) error {
	pf, err := c.preparer.PrepareChunk(f, topo, recipient)
	if err != nil {
		return err
	}
	c.outq.Submit(l, pf)

	frag := f // capture for retransmit closure
	c.ackCtl.Track(pf.AckKey, time.Now(), sumHopDelays(pf), func(retransmissionCount uint32) (time.Duration, error) {
		newPF, err := c.preparer.PrepareChunk(frag, topo, recipient)
		if err != nil {
			return 0, err
		}
		c.outq.Submit(l, newPF)
		return sumHopDelays(newPF), nil
	})
	return nil
}

func sumHopDelays(pf *preparer.PreparedFragment) time.Duration {
	var total time.Duration
	for _, d := range pf.HopDelays {
		total += d
	}
	return total
}

// SendReply sends a fragment using a reply SURB rather than a
// from-scratch route, so the sender stays anonymous to intermediate
// hops (spec.md §4.B.1 prepare_reply_chunk). An empty SURB pool for a
// known tag or an unknown tag surfaces the errors named in spec.md §8.
func (c *Controller) SendReply(senderTag string, msg []byte) error {
	setID := c.newSetID()
	frags, err := c.preparer.PadAndSplit(setID, msg)
	if err != nil {
		return err
	}

	surbs, err := c.surbs.Withdraw(senderTag, len(frags))
	if err != nil {
		return err
	}

	for i, f := range frags {
		pf, err := c.preparer.PrepareReplyChunk(f, surbs[i])
		if err != nil {
			return err
		}
		c.outq.Submit(lane.Lane{Kind: lane.General}, pf)
	}
	return nil
}

// DepositSurbs records SURBs this client received for replying to the
// given sender tag later, e.g. upon receiving a SurbRequest's response.
func (c *Controller) DepositSurbs(senderTag string, surbs []surb.ReplySurb) {
	c.surbs.Deposit(senderTag, surbs)
}

// HandleAck is called when the embedded forward-ack for a fragment
// arrives at this client, completing spec.md §8 invariant 3.
func (c *Controller) HandleAck(ackKey [32]byte, observedRTT time.Duration) {
	c.ackCtl.HandleAck(ackKey, observedRTT)
}

// HandleReceived feeds an inbound plaintext fragment to the reassembler.
func (c *Controller) HandleReceived(raw []byte) error {
	f, err := fragment.Decode(raw)
	if err != nil {
		return err
	}
	c.buffer.Ingest(f)
	return nil
}

func (c *Controller) AttachConsumer(consumer received.Consumer) {
	c.buffer.AttachConsumer(consumer)
}

// ConnectionClosed drops pending fragments in the closed connection's
// lane, cancels their pending acks, and releases their SURBs (spec.md
// §4.B "Cancellation & lane backpressure").
func (c *Controller) ConnectionClosed(connID uint64, senderTag string) {
	dropped := c.outq.ConnectionClosed(connID)
	for _, pf := range dropped {
		c.ackCtl.Cancel(pf.AckKey)
	}
	c.surbs.Clear(senderTag)
	c.buffer.AbandonSet(connID)
}

func (c *Controller) LaneQueueLengths() map[string]int {
	return c.lens.Snapshot()
}

func (c *Controller) newSetID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSetID++
	return c.nextSetID
}

func (c *Controller) handleAbandon(fragmentKey [32]byte) {
	log.Warningf("fragment %x abandoned, notifying user layer", fragmentKey[:8])
}
