// processor.go - the Sphinx Processor (spec.md §4.A).
// SPDX-License-Identifier: AGPL-3.0-only

// Package processor implements the mixnet node's per-packet pipeline:
// frame decode, key selection, partial unwrap, deferred-batch replay
// check, payload decrypt, and dispatch to the forwarder or a final-hop
// sink. One Processor is shared by all connection handlers; one
// *Stream is owned by a single accepted TCP connection, matching
// spec.md §5's "per-connection handlers are independent tasks".
package processor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nymproject/mixcore/internal/frame"
	"github.com/nymproject/mixcore/internal/keys"
	"github.com/nymproject/mixcore/internal/metrics"
	"github.com/nymproject/mixcore/internal/ports"
	"github.com/nymproject/mixcore/internal/replay"
	"github.com/nymproject/mixcore/internal/sphinxcrypto"
)

var log = logging.MustGetLogger("processor")

// DropReason enumerates the exactly-one drop reason invariant 1 of
// spec.md §8 depends on.
type DropReason string

const (
	DropMalformed    DropReason = "malformed"
	DropExpiredKey   DropReason = "expired_key"
	DropReplay       DropReason = "replay"
	DropDecryptFail  DropReason = "decrypt_fail"
	DropSinkDiscard  DropReason = "sink_discard"
)

// Outcome is the result of process_packet: exactly one of Forward,
// FinalHop, or Dropped is non-nil/non-zero (spec.md §8 invariant 1).
type Outcome struct {
	Forward  *ForwardOutcome
	Final    *FinalHopOutcome
	Dropped  DropReason
}

type ForwardOutcome struct {
	Packet ports.MixPacket
	Delay  time.Duration
}

type FinalHopOutcome struct {
	Destination string
	Payload     []byte
	ForwardAck  []byte
}

// Config bundles the externally-tunable knobs of §6's CLI table that
// apply to the processor.
type Config struct {
	MaxDelay            time.Duration
	ReplayDeferral      replay.Config
	ForwarderCapacity   int
}

// Processor holds all shared state: keys, replay filter, forwarder, and
// final-hop sink. It has no per-connection state.
type Processor struct {
	cfg       Config
	keySet    *keys.KeySet
	filter    *replay.Filter
	forwarder ports.MixForwarder
	sink      ports.FinalHopSink
	storage   ports.Storage
}

func New(cfg Config, ks *keys.KeySet, filter *replay.Filter, fwd ports.MixForwarder, sink ports.FinalHopSink, storage ports.Storage) *Processor {
	return &Processor{cfg: cfg, keySet: ks, filter: filter, forwarder: fwd, sink: sink, storage: storage}
}

// Stream is a long-running handler for one accepted TCP connection. It
// decodes a stream of framed packets, unwraps each, and dispatches the
// outcome, terminating on peer close, codec error, or shutdown (spec.md
// §4.A handle_stream).
type Stream struct {
	p       *Processor
	conn    net.Conn
	remote  string
	dec     *frame.Decoder
	pending *replay.PendingQueue
}

func (p *Processor) NewStream(conn net.Conn) *Stream {
	return &Stream{
		p:       p,
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		dec:     frame.NewDecoder(conn),
		pending: replay.NewPendingQueue(p.cfg.ReplayDeferral),
	}
}

// HandleStream runs the stream loop until ctx is cancelled or the
// stream terminates. It is the handle_stream operation of spec.md §4.A.
func (s *Stream) HandleStream(ctx context.Context) error {
	defer s.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Both ErrTruncatedStream and any other codec error are
			// fatal for the stream (spec.md §4.A Failure semantics).
			log.Warningf("stream %s: codec error: %v", s.remote, err)
			return err
		}

		outcome, err := s.p.processFrame(ctx, f, s.remote, s.pending)
		if err != nil {
			log.Warningf("stream %s: process error: %v", s.remote, err)
			return err
		}
		s.dispatch(outcome)
	}
}

func (s *Stream) dispatch(o *Outcome) {
	switch {
	case o.Forward != nil:
		deliverAt := time.Now().Add(o.Forward.Delay)
		s.p.forwarder.Enqueue(o.Forward.Packet, deliverAt)
		metrics.PacketsForwarded.Inc()
	case o.Final != nil:
		err := s.p.sink.TryPush(o.Final.Destination, o.Final.Payload)
		var wb *ports.WouldBlockError
		if errors.As(err, &wb) {
			if storeErr := s.p.storage.StoreMessage(context.Background(), o.Final.Destination, wb.Payload); storeErr != nil {
				log.Errorf("final-hop persist failed for %s: %v", o.Final.Destination, storeErr)
			}
		}
		// The embedded forward-ack is sent into the mixnet regardless of
		// whether the live push succeeded (spec.md §4.A step 6).
		if len(o.Final.ForwardAck) > 0 {
			s.p.forwarder.Enqueue(ports.MixPacket{SphinxPayload: o.Final.ForwardAck}, time.Now())
		}
		metrics.PacketsFinalHop.Inc()
	case o.Dropped != "":
		metrics.PacketsDroppedReason.WithLabelValues(string(o.Dropped)).Inc()
	}
}

// processFrame runs one packet through the key-selection, unwrap, and
// replay-check pipeline (spec.md §4.A process_packet). It is exercised
// directly in tests without a live net.Conn.
func (p *Processor) processFrame(ctx context.Context, f *frame.Frame, remote string, pending *replay.PendingQueue) (*Outcome, error) {
	if f.Size != frame.SizeRegular && f.Size != frame.SizeAck &&
		f.Size != frame.SizeExtended8 && f.Size != frame.SizeExtended16 &&
		f.Size != frame.SizeExtended32 && f.Size != frame.SizeOutfoxRegular {
		return &Outcome{Dropped: DropMalformed}, nil
	}

	snap := p.keySet.Snapshot()
	wantEven := f.KeyRotation == frame.RotationEven
	wantOdd := f.KeyRotation == frame.RotationOdd
	wantUnknown := f.KeyRotation == frame.RotationUnknown
	kv, err := snap.Select(wantEven, wantOdd, wantUnknown)
	if err != nil {
		return &Outcome{Dropped: DropExpiredKey}, nil
	}

	unwrapped, malformed := unwrapHeader(kv, f.Body)
	if malformed && wantUnknown && snap.Secondary != nil {
		unwrapped, malformed = unwrapHeader(*snap.Secondary, f.Body)
	}
	if malformed {
		metrics.MalformedPacketsByPeer.WithLabelValues(remote).Inc()
		return &Outcome{Dropped: DropMalformed}, nil
	}

	isReplay, err := p.replayCheck(ctx, snap.Epoch, unwrapped.replayTag, pending)
	if err != nil {
		// Mutex poisoning is fatal (spec.md §7): propagate so the
		// supervisor cancels the shutdown token.
		return nil, err
	}
	if isReplay {
		metrics.ReplayHits.Inc()
		return &Outcome{Dropped: DropReplay}, nil
	}

	return p.finaliseUnwrap(unwrapped)
}

// unwrapResult is the intermediate state between header verification and
// final payload decryption (spec.md §4.A steps 3-5).
type unwrapResult struct {
	hopKeys     *sphinxcrypto.HopKeys
	replayTag   [32]byte
	nextHop     string
	innerPacket []byte
	destination string
	nonce       [12]byte
	hopDelay    time.Duration
}

// routingInfo layout: this package models the decrypted routing block
// explicitly, the same way it models the ephemeral public key and the
// header MAC, since the real Sphinx bit layout is out of scope (spec.md
// §1). Byte 0 discriminates forward vs. final hop; bytes 1-8 carry the
// forward hop's delay in nanoseconds; the remainder is the next-hop
// address (forward) or final destination, NUL-padded.
const (
	routingMarkerFinal   byte = 0x00
	routingMarkerForward byte = 0x01

	routingInfoLen   = 32
	routingAddrStart = 9
)

// unwrapHeader derives the hop secret, expands keys, verifies the header
// MAC, and parses the decrypted routing block into a forward-vs-final
// marker, next-hop address, and per-hop delay.
func unwrapHeader(kv keys.KeyView, body []byte) (*unwrapResult, bool) {
	const headerLen = 32 + routingInfoLen + 16 // ephemeral pubkey + routing info + mac
	if len(body) < headerLen {
		return nil, true
	}
	var ephPub sphinxcrypto.PublicKey
	copy(ephPub[:], body[:32])
	routingInfo := body[32 : 32+routingInfoLen]
	mac := body[32+routingInfoLen : headerLen]

	secret, err := sphinxcrypto.DeriveSecret(kv.Private(), ephPub)
	if err != nil {
		return nil, true
	}
	hk, err := sphinxcrypto.ExpandHop(secret)
	if err != nil {
		return nil, true
	}
	if err := sphinxcrypto.VerifyHeaderMAC(hk.HeaderMACKey, routingInfo, mac); err != nil {
		return nil, true
	}

	u := &unwrapResult{
		hopKeys:     hk,
		replayTag:   hk.ReplayTag,
		innerPacket: body[headerLen:],
	}

	addr := string(bytes.TrimRight(routingInfo[routingAddrStart:], "\x00"))
	switch routingInfo[0] {
	case routingMarkerForward:
		u.nextHop = addr
		u.hopDelay = time.Duration(binary.BigEndian.Uint64(routingInfo[1:routingAddrStart]))
	case routingMarkerFinal:
		u.destination = addr
	default:
		return nil, true
	}

	return u, false
}

// replayCheck implements the deferred-batch logic of spec.md §4.A step 4:
// append to the pending queue, attempt a non-blocking check-and-set over
// the *entire* pending batch, and only block if the time/count bounds
// have been crossed. Every tag that has been sitting in pending must be
// checked-and-set together with the current one: draining the queue
// without resolving those tags against the filter would let a later
// replay of them go undetected.
func (p *Processor) replayCheck(ctx context.Context, epoch uint64, tag [32]byte, pending *replay.PendingQueue) (bool, error) {
	mustDrain := pending.Add(tag)
	batch := pending.Peek()

	hits, ok, err := p.filter.TryCheckAndSet(epoch, batch)
	if err != nil {
		p.filter.MarkPoisoned()
		return false, err
	}
	if ok {
		// We got the lock immediately: the whole pending batch, including
		// this tag, has now been checked-and-set.
		pending.Drain()
		return hits[len(hits)-1], nil
	}
	if !mustDrain {
		// Leave it pending; caller proceeds optimistically and the next
		// packet on this connection will retry the batch.
		return false, nil
	}

	// Contended and over a bound: block on the lock and drain.
	tags := pending.Drain()
	blockingHits, err := p.filter.CheckAndSetBlocking(epoch, tags)
	if err != nil {
		p.filter.MarkPoisoned()
		return false, err
	}
	// The tag we're deciding for is the last one appended.
	return blockingHits[len(blockingHits)-1], nil
}

// finaliseUnwrap decrypts the payload to yield either a forward hop or a
// final-hop delivery (spec.md §4.A step 5-6).
func (p *Processor) finaliseUnwrap(u *unwrapResult) (*Outcome, error) {
	plaintext, err := sphinxcrypto.DecryptPayload(u.hopKeys.PayloadKey, u.nonce[:], u.innerPacket)
	if err != nil {
		return &Outcome{Dropped: DropDecryptFail}, nil
	}

	if u.nextHop != "" {
		delay := u.hopDelay
		if delay > p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
		}
		return &Outcome{Forward: &ForwardOutcome{
			Packet: ports.MixPacket{NextHopAddress: u.nextHop, SphinxPayload: plaintext},
			Delay:  delay,
		}}, nil
	}

	return &Outcome{Final: &FinalHopOutcome{
		Destination: u.destination,
		Payload:     plaintext,
	}}, nil
}
