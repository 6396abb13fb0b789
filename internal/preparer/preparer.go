// preparer.go - the client message preparer (spec.md §4.B.1).
// SPDX-License-Identifier: AGPL-3.0-only

// Package preparer turns a single Fragment into a PreparedFragment ready
// for the out-queue: it selects a 3-hop route from the current topology
// snapshot, draws per-hop delays from an exponential distribution, draws
// a random ack key, and produces the encrypted packet (or, for a reply,
// uses a caller-supplied SURB so the sender stays anonymous to
// intermediate hops). No ack SURB is embedded in the packet.
package preparer

import (
	"crypto/rand"
	"errors"
	"math"
	mrand "math/rand"
	"time"

	"github.com/nymproject/mixcore/internal/fragment"
	"github.com/nymproject/mixcore/internal/ports"
	"github.com/nymproject/mixcore/internal/sphinxcrypto"
	"github.com/nymproject/mixcore/internal/surb"
)

var ErrTopologyInsufficient = errors.New("preparer: topology has too few usable layers for a 3-hop route")

const hopCount = 3

// PreparedFragment is the output of prepare_chunk / prepare_reply_chunk.
type PreparedFragment struct {
	MixPacket  ports.MixPacket
	TotalDelay time.Duration
	AckKey     [32]byte
	HopDelays  []time.Duration
}

// Preparer holds the Poisson mean used for per-hop delay sampling and
// the node's own address; the address is stored but not used when
// preparing packets.
type Preparer struct {
	averagePacketDelay time.Duration
	selfRecipient      string
	payloadSize        int
}

func New(averagePacketDelay time.Duration, selfRecipient string, payloadSize int) *Preparer {
	return &Preparer{averagePacketDelay: averagePacketDelay, selfRecipient: selfRecipient, payloadSize: payloadSize}
}

// PadAndSplit is re-exported so callers only need to import preparer for
// the full B.1 surface (spec.md §4.B.1 pad_and_split).
func (p *Preparer) PadAndSplit(setID uint64, msg []byte) ([]fragment.Fragment, error) {
	return fragment.PadAndSplit(setID, msg, p.payloadSize)
}

// route is a selected 3-hop path plus the delay drawn for each hop.
type route struct {
	hops   []ports.NodeDescriptor
	delays []time.Duration
}

// selectRoute picks hopCount distinct nodes from distinct topology
// layers and draws an exponential delay for each, mean
// averagePacketDelay (spec.md §4.B.1).
func (p *Preparer) selectRoute(topo *ports.Topology) (*route, error) {
	if topo == nil || len(topo.Layers) < hopCount {
		return nil, ErrTopologyInsufficient
	}
	r := &route{}
	for i := 0; i < hopCount; i++ {
		layer := topo.Layers[i]
		if len(layer) == 0 {
			return nil, ErrTopologyInsufficient
		}
		idx := mrand.Intn(len(layer))
		r.hops = append(r.hops, layer[idx])
		r.delays = append(r.delays, sampleExponential(p.averagePacketDelay))
	}
	return r, nil
}

// sampleExponential draws a delay from Exp(1/mean), matching the
// Poisson-process per-hop delay model of spec.md §4.B.1/§6.
func sampleExponential(mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	lambda := 1.0 / float64(mean)
	sample := mrand.ExpFloat64() / lambda
	if math.IsInf(sample, 1) {
		sample = float64(mean)
	}
	return time.Duration(sample)
}

// PrepareChunk implements prepare_chunk: select a 3-hop route, draw a
// random 32-byte ack key, and produce the encrypted packet. The ack key
// is returned in PreparedFragment.AckKey only; no ack SURB is embedded.
func (p *Preparer) PrepareChunk(f fragment.Fragment, topo *ports.Topology, recipient string) (*PreparedFragment, error) {
	r, err := p.selectRoute(topo)
	if err != nil {
		return nil, err
	}

	ackKey, err := randomAckKey()
	if err != nil {
		return nil, err
	}

	wire := fragment.Encode(f)
	pkt, err := encryptForRoute(r, recipient, wire)
	if err != nil {
		return nil, err
	}

	return &PreparedFragment{
		MixPacket:  pkt,
		TotalDelay: sumDelays(r.delays),
		AckKey:     ackKey,
		HopDelays:  r.delays,
	}, nil
}

// PrepareReplyChunk implements prepare_reply_chunk: the same pipeline,
// but using a caller-provided SURB as the return header, so the caller
// remains anonymous to intermediate hops.
func (p *Preparer) PrepareReplyChunk(f fragment.Fragment, reply surb.ReplySurb) (*PreparedFragment, error) {
	wire := fragment.Encode(f)
	pkt := ports.MixPacket{
		NextHopAddress: "", // left empty: the SURB bytes are not parsed for a first hop
		SphinxPayload:  append(append([]byte(nil), reply.Bytes...), wire...),
	}
	return &PreparedFragment{MixPacket: pkt}, nil
}

func sumDelays(delays []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range delays {
		total += d
	}
	return total
}

func randomAckKey() ([32]byte, error) {
	var k [32]byte
	_, err := rand.Read(k[:])
	return k, err
}

// encryptForRoute wraps the wire fragment through each hop's key,
// innermost-first, so the first hop in r.hops is peeled off first on
// the wire. The concrete onion-layering bit format is the external
// Sphinx geometry (spec.md §1); this produces a MixPacket whose
// SphinxPayload is only nested payload-cipher layers (zero nonce, no
// ephemeral key, routing info or header MAC), so internal/processor's
// unwrapHeader does not accept it.
func encryptForRoute(r *route, finalRecipient string, payload []byte) (ports.MixPacket, error) {
	layer := payload
	for i := len(r.hops) - 1; i >= 0; i-- {
		hk, err := deriveHopKeysForRecipient(r.hops[i])
		if err != nil {
			return ports.MixPacket{}, err
		}
		var nonce [12]byte
		enc, err := sphinxcrypto.EncryptPayload(hk.PayloadKey, nonce[:], layer)
		if err != nil {
			return ports.MixPacket{}, err
		}
		layer = enc
	}
	first := r.hops[0]
	addr := ""
	for _, addrs := range first.Addresses {
		if len(addrs) > 0 {
			addr = addrs[0]
			break
		}
	}
	return ports.MixPacket{NextHopAddress: addr, SphinxPayload: layer}, nil
}

// deriveHopKeysForRecipient is a placeholder deriving a deterministic
// per-hop key from a node descriptor's published Sphinx key, standing in
// for the real DH-against-mix-key step (external geometry, spec.md §1).
func deriveHopKeysForRecipient(n ports.NodeDescriptor) (*sphinxcrypto.HopKeys, error) {
	var seed []byte
	for _, v := range n.MixKeys {
		seed = v
		break
	}
	if len(seed) == 0 {
		seed = []byte(n.ID)
	}
	return sphinxcrypto.ExpandHop(seed)
}
