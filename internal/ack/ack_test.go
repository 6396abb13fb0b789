// ack_test.go - retransmission deadline and abandonment tests.
// SPDX-License-Identifier: AGPL-3.0-only
package ack

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func TestHandleAckRemovesPendingEntry(t *testing.T) {
	c := NewController(Config{AckWaitMultiplier: 1.5, AckWaitAddition: time.Second, MaxRetransmissions: 3}, func([32]byte) {})
	c.Start()
	defer c.Stop()

	var key [32]byte
	key[0] = 1
	c.Track(key, time.Now(), 10*time.Millisecond, func(uint32) (time.Duration, error) { return 0, nil })
	require.Equal(t, 1, c.Pending())

	c.HandleAck(key, 20*time.Millisecond)
	require.Equal(t, 0, c.Pending())
}

func TestCancelRemovesPendingEntryWithoutRTT(t *testing.T) {
	c := NewController(Config{AckWaitMultiplier: 1.5, AckWaitAddition: time.Second, MaxRetransmissions: 3}, func([32]byte) {})
	c.Start()
	defer c.Stop()

	var key [32]byte
	key[0] = 2
	c.Track(key, time.Now(), 10*time.Millisecond, func(uint32) (time.Duration, error) { return 0, nil })
	c.Cancel(key)
	require.Equal(t, 0, c.Pending())
}

func TestRetransmitsUntilAcked(t *testing.T) {
	var mu sync.Mutex
	var attempts []uint32
	c := NewController(Config{AckWaitMultiplier: 1.0, AckWaitAddition: 2 * time.Millisecond, MaxRetransmissions: 10}, func([32]byte) {})
	c.Start()
	defer c.Stop()

	var key [32]byte
	key[0] = 3
	c.Track(key, time.Now(), 0, func(n uint32) (time.Duration, error) {
		mu.Lock()
		attempts = append(attempts, n)
		mu.Unlock()
		return 0, nil
	})

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 2
	})

	c.HandleAck(key, time.Millisecond)
	require.Equal(t, 0, c.Pending())
}

func TestAbandonAfterRetransmissionCapExceeded(t *testing.T) {
	abandoned := make(chan [32]byte, 1)
	c := NewController(Config{AckWaitMultiplier: 1.0, AckWaitAddition: time.Millisecond, MaxRetransmissions: 1}, func(k [32]byte) {
		abandoned <- k
	})
	c.Start()
	defer c.Stop()

	var key [32]byte
	key[0] = 4
	c.Track(key, time.Now(), 0, func(uint32) (time.Duration, error) { return 0, nil })

	select {
	case got := <-abandoned:
		require.Equal(t, key, got)
	case <-time.After(time.Second):
		t.Fatal("fragment was never abandoned")
	}
	require.Equal(t, 0, c.Pending())
}

func TestExpectedRTTFormula(t *testing.T) {
	c := NewController(Config{AverageAckDelay: 100 * time.Millisecond}, func([32]byte) {})
	got := c.expectedRTT(50 * time.Millisecond)
	require.Equal(t, 2*50*time.Millisecond+3*100*time.Millisecond, got)
}
