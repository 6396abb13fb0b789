// fragment.go - message fragmentation and reassembly.
// SPDX-License-Identifier: AGPL-3.0-only

// Package fragment implements the Fragment type and the pad_and_split /
// reassemble operations of spec.md §3/§4.B.1: splitting a user message
// into fixed-size pieces that fit one Sphinx payload, and reassembling
// them back into the original message in order.
package fragment

import (
	"encoding/binary"
	"errors"
)

// ID identifies a fragment's position within a message set; stable
// across retransmissions (spec.md §3).
type ID struct {
	SetID          uint64
	FragmentIndex  uint16
	TotalFragments uint16
}

// Fragment is one fixed-size piece of a user message (see PadAndSplit).
type Fragment struct {
	ID      ID
	Payload []byte
}

var (
	ErrPayloadTooLarge = errors.New("fragment: message exceeds maximum configured split")
	ErrEmptyPayload    = errors.New("fragment: empty fragment payload")
)

// headerLen is the serialised size of an ID header prefixed onto every
// wire fragment payload: 8 (set id) + 2 (index) + 2 (total).
const headerLen = 12

// padDelimiter marks the end of real message bytes inside the final,
// zero-padded fragment, the same "marker byte then zeros" convention
// used for Sphinx payload padding (see core/sphinx_ecdh_test.go's
// `payload[0] = 1 // Packet has a SURB.` framing byte).
const padDelimiter = 0x01

// PadAndSplit splits msg into an ordered sequence of fragments, each
// sized to fit exactly one Sphinx payload of size payloadSize after the
// fragment header: every fragment (including the last) is exactly
// payloadSize-headerLen bytes, so fragments are indistinguishable in
// size on the wire. setID must be unique per message and is supplied by
// the caller (internal/client draws it from a per-controller counter);
// acknowledgements are tracked by a separate random key, not by setID.
func PadAndSplit(setID uint64, msg []byte, payloadSize int) ([]Fragment, error) {
	chunk := payloadSize - headerLen
	if chunk <= 0 {
		return nil, errors.New("fragment: payloadSize too small for header")
	}

	padded := make([]byte, len(msg)+1)
	copy(padded, msg)
	padded[len(msg)] = padDelimiter

	total := (len(padded) + chunk - 1) / chunk
	if total == 0 {
		total = 1
	}
	if total > 1<<16-1 {
		return nil, ErrPayloadTooLarge
	}
	full := make([]byte, total*chunk)
	copy(full, padded)

	frags := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunk
		frags = append(frags, Fragment{
			ID:      ID{SetID: setID, FragmentIndex: uint16(i), TotalFragments: uint16(total)},
			Payload: full[start : start+chunk],
		})
	}
	return frags, nil
}

// Encode serialises a fragment for wire transmission: the stable ID
// header followed by the raw payload bytes.
func Encode(f Fragment) []byte {
	out := make([]byte, headerLen+len(f.Payload))
	binary.BigEndian.PutUint64(out[0:8], f.ID.SetID)
	binary.BigEndian.PutUint16(out[8:10], f.ID.FragmentIndex)
	binary.BigEndian.PutUint16(out[10:12], f.ID.TotalFragments)
	copy(out[headerLen:], f.Payload)
	return out
}

// Decode parses a wire fragment back into its ID and payload.
func Decode(b []byte) (Fragment, error) {
	if len(b) < headerLen {
		return Fragment{}, ErrEmptyPayload
	}
	return Fragment{
		ID: ID{
			SetID:          binary.BigEndian.Uint64(b[0:8]),
			FragmentIndex:  binary.BigEndian.Uint16(b[8:10]),
			TotalFragments: binary.BigEndian.Uint16(b[10:12]),
		},
		Payload: append([]byte(nil), b[headerLen:]...),
	}, nil
}

// Reassembler indexes incoming fragments by SetID and yields the
// complete message once every fragment in a set has arrived
// (internal/received.Buffer drives this per spec.md §4.B.4).
type Reassembler struct {
	sets map[uint64]*partialSet
}

type partialSet struct {
	total  uint16
	pieces map[uint16][]byte
}

func NewReassembler() *Reassembler {
	return &Reassembler{sets: make(map[uint64]*partialSet)}
}

// Add ingests one fragment and returns the reassembled message plus true
// once its set is complete. Invariant: reassemble(split(message)) ==
// message for all messages that fit the maximum configured split
// (spec.md §8 round-trip law).
func (r *Reassembler) Add(f Fragment) ([]byte, bool) {
	ps, ok := r.sets[f.ID.SetID]
	if !ok {
		ps = &partialSet{total: f.ID.TotalFragments, pieces: make(map[uint16][]byte)}
		r.sets[f.ID.SetID] = ps
	}
	ps.pieces[f.ID.FragmentIndex] = f.Payload

	if uint16(len(ps.pieces)) < ps.total {
		return nil, false
	}

	var padded []byte
	for i := uint16(0); i < ps.total; i++ {
		padded = append(padded, ps.pieces[i]...)
	}
	delete(r.sets, f.ID.SetID)
	return unpad(padded), true
}

// unpad strips the trailing zero padding and delimiter added by
// PadAndSplit, recovering the exact original message.
func unpad(padded []byte) []byte {
	i := len(padded) - 1
	for i >= 0 && padded[i] == 0 {
		i--
	}
	if i < 0 {
		return nil
	}
	// padded[i] is the delimiter byte.
	return padded[:i]
}

// Abandon discards a partially-received set, e.g. on connection close.
func (r *Reassembler) Abandon(setID uint64) {
	delete(r.sets, setID)
}
