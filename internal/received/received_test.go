// received_test.go - reassembly buffering and consumer attach/detach tests.
// SPDX-License-Identifier: AGPL-3.0-only
package received

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nymproject/mixcore/internal/fragment"
)

func fragsFor(t *testing.T, setID uint64, msg []byte) []fragment.Fragment {
	t.Helper()
	frags, err := fragment.PadAndSplit(setID, msg, 48)
	require.NoError(t, err)
	return frags
}

func TestIngestBuffersWithoutConsumer(t *testing.T) {
	b := NewBuffer()
	msg := []byte("buffered message")
	for _, f := range fragsFor(t, 1, msg) {
		b.Ingest(f)
	}
	require.Len(t, b.backlog, 1)
	require.Equal(t, msg, b.backlog[0])
}

func TestAttachConsumerFlushesBacklogInOrder(t *testing.T) {
	b := NewBuffer()
	first := []byte("first message")
	second := []byte("second message")
	for _, f := range fragsFor(t, 1, first) {
		b.Ingest(f)
	}
	for _, f := range fragsFor(t, 2, second) {
		b.Ingest(f)
	}

	var got [][]byte
	b.AttachConsumer(func(msg []byte) { got = append(got, msg) })

	require.Equal(t, [][]byte{first, second}, got)
	require.Empty(t, b.backlog)
}

func TestIngestDeliversDirectlyWhenConsumerAttached(t *testing.T) {
	b := NewBuffer()
	var got []byte
	b.AttachConsumer(func(msg []byte) { got = msg })

	msg := []byte("live delivery")
	for _, f := range fragsFor(t, 5, msg) {
		b.Ingest(f)
	}
	require.Equal(t, msg, got)
}

func TestDetachConsumerResumesBuffering(t *testing.T) {
	b := NewBuffer()
	b.AttachConsumer(func([]byte) {})
	b.DetachConsumer()

	msg := []byte("after detach")
	for _, f := range fragsFor(t, 9, msg) {
		b.Ingest(f)
	}
	require.Len(t, b.backlog, 1)
}

func TestAbandonSetDropsPartialReassembly(t *testing.T) {
	b := NewBuffer()
	frags := fragsFor(t, 11, make([]byte, 1000))
	require.Greater(t, len(frags), 1)

	b.Ingest(frags[0])
	b.AbandonSet(11)

	var got []byte
	delivered := false
	b.AttachConsumer(func(msg []byte) { got = msg; delivered = true })
	for _, f := range frags[1:] {
		b.Ingest(f)
	}
	require.False(t, delivered, "abandoned set must not reassemble from leftover fragments")
	require.Nil(t, got)
}
