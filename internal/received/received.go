// received.go - the received message buffer (spec.md §4.B.4).
// SPDX-License-Identifier: AGPL-3.0-only

// Package received collects inbound plaintexts emitted by the gateway
// client, reassembles them by set id, and yields complete messages to
// whatever user-facing consumer is attached. Messages are buffered if no
// consumer is attached yet, and flushed in order on consumer attach.
package received

import (
	"sync"

	"github.com/nymproject/mixcore/internal/fragment"
)

// Consumer receives complete, reassembled messages.
type Consumer func(msg []byte)

// Buffer is the Received Message Buffer of spec.md §4.B.4.
type Buffer struct {
	mu           sync.Mutex
	reassembler  *fragment.Reassembler
	consumer     Consumer
	backlog      [][]byte
}

func NewBuffer() *Buffer {
	return &Buffer{reassembler: fragment.NewReassembler()}
}

// Ingest feeds one inbound fragment through the reassembler; once its
// set completes, the message is delivered to the attached consumer or
// buffered if none is attached.
func (b *Buffer) Ingest(f fragment.Fragment) {
	b.mu.Lock()
	msg, complete := b.reassembler.Add(f)
	if !complete {
		b.mu.Unlock()
		return
	}

	consumer := b.consumer
	if consumer == nil {
		b.backlog = append(b.backlog, msg)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	consumer(msg)
}

// AttachConsumer installs the user-facing consumer and flushes any
// backlog accumulated while unattached, in arrival order.
func (b *Buffer) AttachConsumer(c Consumer) {
	b.mu.Lock()
	b.consumer = c
	backlog := b.backlog
	b.backlog = nil
	b.mu.Unlock()

	for _, msg := range backlog {
		c(msg)
	}
}

// DetachConsumer removes the current consumer; subsequent completed
// messages are buffered again until a new consumer attaches.
func (b *Buffer) DetachConsumer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumer = nil
}

// AbandonSet discards a partially-received set, e.g. when the owning
// connection/lane closes.
func (b *Buffer) AbandonSet(setID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reassembler.Abandon(setID)
}
