// timerqueue.go - a priority-ordered deadline queue with a worker goroutine.
// SPDX-License-Identifier: AGPL-3.0-only

// Package timerqueue implements the deadline-ordered dispatch queue used
// by the acknowledgement controller (spec.md §4.B.3): push a value with
// a priority (an
// absolute deadline, per spec.md §9's "Timers are absolute Instants, not
// relative durations"), and a fired callback runs once that priority's
// time has passed. Modelled directly on the teacher's client2/arq.go
// ARQ, which drives retransmission off exactly this shape:
// `a.timerQueue.Push(priority, surbID)`, `a.timerQueue.Peek()`,
// `a.timerQueue.Pop()`, `Start()`/`Halt()`/`Wait()`.
package timerqueue

import (
	"container/heap"
	"sync"
)

// Entry is one queued item; priority is interpreted as nanoseconds since
// the Unix epoch, matching client2/arq.go's
// `uint64(message.SentAt.Add(message.ReplyETA).Add(RoundTripTimeSlop).UnixNano())`.
type Entry struct {
	Priority uint64
	Value    interface{}
	index    int
}

type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Fired is invoked, from the worker goroutine, once a pushed value's
// deadline has passed.
type Fired func(value interface{})

// TimerQueue is a single-worker deadline dispatcher.
type TimerQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	h    entryHeap

	fired   Fired
	nowFn   func() uint64
	halted  bool
	doneCh  chan struct{}
}

// NewTimerQueue creates a TimerQueue that invokes fired for each entry
// once its priority (an absolute UnixNano deadline) elapses. nowFn
// defaults to a wall-clock reading; tests may override it.
func NewTimerQueue(fired Fired, nowFn func() uint64) *TimerQueue {
	tq := &TimerQueue{fired: fired, nowFn: nowFn, doneCh: make(chan struct{})}
	tq.cond = sync.NewCond(&tq.mu)
	return tq
}

// Start launches the worker goroutine. Must be called before Push.
func (t *TimerQueue) Start() {
	go t.worker()
}

// Push schedules value to fire at the given absolute priority.
func (t *TimerQueue) Push(priority uint64, value interface{}) {
	t.mu.Lock()
	heap.Push(&t.h, &Entry{Priority: priority, Value: value})
	t.mu.Unlock()
	t.cond.Signal()
}

// Peek returns the earliest-deadline entry without removing it, or nil
// if the queue is empty.
func (t *TimerQueue) Peek() *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.h) == 0 {
		return nil
	}
	return t.h[0]
}

// Pop removes and returns the earliest-deadline entry.
func (t *TimerQueue) Pop() *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.h) == 0 {
		return nil
	}
	return heap.Pop(&t.h).(*Entry)
}

// Halt stops the worker goroutine; Wait blocks until it has exited.
func (t *TimerQueue) Halt() {
	t.mu.Lock()
	if t.halted {
		t.mu.Unlock()
		return
	}
	t.halted = true
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *TimerQueue) Wait() {
	<-t.doneCh
}

func (t *TimerQueue) worker() {
	defer close(t.doneCh)
	for {
		t.mu.Lock()
		for {
			if t.halted {
				t.mu.Unlock()
				return
			}
			if len(t.h) > 0 {
				break
			}
			t.cond.Wait()
		}
		next := t.h[0]
		now := t.nowFn()
		if next.Priority > now {
			wait := next.Priority - now
			t.mu.Unlock()
			sleepNanos(wait)
			continue
		}
		entry := heap.Pop(&t.h).(*Entry)
		t.mu.Unlock()
		t.fired(entry.Value)
	}
}
