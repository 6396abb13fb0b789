// ports.go - external collaborator contracts.
// SPDX-License-Identifier: AGPL-3.0-only

// Package ports defines the narrow interfaces spec.md §6 names for
// everything the core treats as an external collaborator: the
// on-chain/validator-client query surface, credential verification,
// persistent client storage, and the final-hop delivery sink. None of
// these are implemented here except where SPEC_FULL.md calls for a
// reference implementation (internal/storage/boltstore).
package ports

import (
	"context"
	"time"
)

// MixPacket is the post-unwrapping record owned by the forwarder queue
// (spec.md §3).
type MixPacket struct {
	NextHopAddress string
	SphinxPayload  []byte
	Delay          time.Duration
	KeyRotation    byte
}

// MixForwarder is the non-blocking egress queue port (spec.md §6).
// A full queue evicts its oldest entry rather than blocking or dropping
// the new arrival.
type MixForwarder interface {
	Enqueue(pkt MixPacket, deliverAt time.Time)
}

// WouldBlockError carries the payload back to the caller so it can be
// persisted via Storage.StoreMessage, per spec.md §6 FinalHopSink.
type WouldBlockError struct {
	Payload []byte
}

func (*WouldBlockError) Error() string { return "finalhop: sink would block" }

// FinalHopSink delivers final-hop payloads to a live client channel.
type FinalHopSink interface {
	TryPush(clientAddr string, payload []byte) error // returns *WouldBlockError on backpressure
}

// Storage is the minimal persistence surface the core depends on
// (spec.md §6): per-client mailbox CRUD, shared-key CRUD, and bandwidth
// accounting. The concrete SQLite-backed implementation lives outside
// this module's scope; internal/storage/boltstore supplies a reference
// implementation for tests and local operation.
type Storage interface {
	StoreMessage(ctx context.Context, clientAddr string, bytes []byte) error
	RetrieveMessages(ctx context.Context, clientAddr string, cursor []byte) (messages [][]byte, nextCursor []byte, err error)
	RemoveMessages(ctx context.Context, clientAddr string, ids [][]byte) error

	StoreSharedKey(ctx context.Context, clientAddr string, key []byte) error
	LoadSharedKey(ctx context.Context, clientAddr string) ([]byte, error)

	IncreaseBandwidth(ctx context.Context, clientAddr string, delta int64) (newBalance int64, err error)
	DecreaseBandwidth(ctx context.Context, clientAddr string, delta int64) (newBalance int64, err error)
	RevokeTicketBandwidth(ctx context.Context, clientAddr string, ticketID string) error
}

// NodeDescriptor, Epoch, RewardedSet and AuthorisedNetworkMonitors are
// the read-only shapes QueryNetwork returns; their internal structure is
// opaque to the core beyond what topology assembly needs.
type NodeDescriptor struct {
	ID        string
	Addresses map[string][]string
	MixKeys   map[uint64][]byte
	Layer     int
}

type Epoch struct {
	ID        uint64
	StartTime time.Time
	EndTime   time.Time
}

type RewardedSet struct {
	Epoch Epoch
	Nodes []NodeDescriptor
}

type AuthorisedNetworkMonitors struct {
	Addresses []string
}

// Page is a (start_after, limit) cursor pair used by every paginated
// QueryNetwork method, preserving the cursor contract spec.md §9 calls
// out as an open question. Defaults are named in SPEC_FULL.md.
type Page struct {
	StartAfter string
	Limit      int
}

const (
	DescriptorPageSize  = 100
	RewardedSetPageSize = 30
)

// QueryNetwork is the read-only smart-contract query port (spec.md §6).
type QueryNetwork interface {
	GetRewardedSet(ctx context.Context, epoch uint64, page Page) (RewardedSet, string, error)
	GetNodeDescriptor(ctx context.Context, id string) (NodeDescriptor, error)
	GetEpoch(ctx context.Context) (Epoch, error)
	GetAuthorisedNetworkMonitors(ctx context.Context, page Page) (AuthorisedNetworkMonitors, string, error)
}

// CredentialVerifierResult is the accept/reject outcome of verifying a
// bandwidth ticket, keeping the compact-ecash cryptography itself out of
// scope (spec.md §1).
type CredentialVerifierResult struct {
	Accepted  bool
	Bandwidth int64
	Reason    string
}

type CredentialVerifier interface {
	Verify(ctx context.Context, ticket []byte) (CredentialVerifierResult, error)
}

// Topology is the routable view of the network the client preparer
// selects 3-hop routes from (spec.md §4.B.1).
type Topology struct {
	Epoch  uint64
	Layers [][]NodeDescriptor
	Fetched time.Time
}

// TopologyProvider is the cached, piecewise topology port (spec.md §6),
// supplemented per SPEC_FULL.md from original_source's piecewise.rs: it
// composes a full-topology fetch, a descriptor-batch fetch, and a
// layer-assignment fetch, each with its own TTL.
type TopologyProvider interface {
	GetNewTopology(ctx context.Context) (*Topology, error)
}
