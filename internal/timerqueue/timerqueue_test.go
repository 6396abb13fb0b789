// timerqueue_test.go - deadline dispatch ordering tests.
// SPDX-License-Identifier: AGPL-3.0-only
package timerqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFiresInDeadlineOrder(t *testing.T) {
	var mu sync.Mutex
	var fired []interface{}
	done := make(chan struct{})

	tq := NewTimerQueue(func(v interface{}) {
		mu.Lock()
		fired = append(fired, v)
		n := len(fired)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	}, NowNanos)
	tq.Start()
	defer func() {
		tq.Halt()
		tq.Wait()
	}()

	now := NowNanos()
	tq.Push(now+30_000_000, "third")
	tq.Push(now+10_000_000, "first")
	tq.Push(now+20_000_000, "second")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all entries to fire")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []interface{}{"first", "second", "third"}, fired)
}

func TestPeekDoesNotRemove(t *testing.T) {
	tq := NewTimerQueue(func(interface{}) {}, NowNanos)
	tq.Push(100, "a")

	e := tq.Peek()
	require.NotNil(t, e)
	require.Equal(t, "a", e.Value)

	e2 := tq.Peek()
	require.Equal(t, e, e2)
}

func TestPopRemovesEarliest(t *testing.T) {
	tq := NewTimerQueue(func(interface{}) {}, NowNanos)
	tq.Push(200, "late")
	tq.Push(100, "early")

	e := tq.Pop()
	require.Equal(t, "early", e.Value)
	e = tq.Pop()
	require.Equal(t, "late", e.Value)
	require.Nil(t, tq.Pop())
}

func TestHaltStopsWorker(t *testing.T) {
	var firedCount int
	var mu sync.Mutex
	tq := NewTimerQueue(func(interface{}) {
		mu.Lock()
		firedCount++
		mu.Unlock()
	}, NowNanos)
	tq.Start()

	tq.Halt()
	tq.Wait()

	// Entries pushed after Halt must not panic the (stopped) worker; they
	// simply sit unfired in the heap.
	tq.Push(NowNanos(), "ignored")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, firedCount)
}
