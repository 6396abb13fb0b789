// gatewaynet_test.go
// SPDX-License-Identifier: AGPL-3.0-only

package gatewaynet

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymproject/mixcore/internal/block"
	"github.com/nymproject/mixcore/internal/broadcast"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("a bracha round message, cbor-encoded")
	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestListenAndDialerDeliversMessage(t *testing.T) {
	serverTLS, err := SelfSignedTLSConfig()
	require.NoError(t, err)

	received := make(chan broadcast.Message, 1)
	ln, err := Listen("127.0.0.1:0", serverTLS, func(ctx context.Context, m broadcast.Message) error {
		received <- m
		return nil
	})
	require.NoError(t, err)
	defer ln.Close()

	clientTLS, err := SelfSignedTLSConfig()
	require.NoError(t, err)
	clientTLS.InsecureSkipVerify = true

	dialer := NewDialer(clientTLS)
	defer dialer.Close()

	want := broadcast.Message{
		Kind:   broadcast.Echo,
		Height: 3,
		Hash:   block.Hash{1, 2, 3},
		Signer: "node-0",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, dialer.SendTo(ctx, ln.ln.Addr().String(), want))

	select {
	case got := <-received:
		assert.Equal(t, want.Height, got.Height)
		assert.Equal(t, want.Hash, got.Hash)
		assert.Equal(t, want.Signer, got.Signer)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}
