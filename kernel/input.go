package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/pkg/waiter"
)

type InputKind uint32

const (
	InputButton InputKind = iota + 1
	InputAxis
	InputKey
	InputWindow
)

// InputEvent is delivered from the shell to the guest. The layout is what
// input_read copies out.
type InputEvent struct {
	Kind      InputKind
	Code      uint32
	Value     int32
	Flags     uint32
	Timestamp uint64
}

// InputBacklog is how many undelivered events a process keeps. Older
// events are dropped first.
const InputBacklog = 256

type InputQueue struct {
	mu      sync.Mutex
	events  []InputEvent
	dropped int
	closed  bool

	waiters waiter.Waiter
}

func NewInputQueue() *InputQueue {
	return &InputQueue{}
}

func (q *InputQueue) Post(ev InputEvent) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return
	}

	if len(q.events) == InputBacklog {
		q.events = q.events[1:]
		q.dropped++
	}

	q.events = append(q.events, ev)
	q.mu.Unlock()

	q.waiters.Notify(waiter.EventSignaled)
}

// take moves up to len(out) events into out.
func (q *InputQueue) take(out []InputEvent) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := copy(out, q.events)
	q.events = q.events[n:]

	return n
}

// Read returns the queued events, waiting up to timeout for the first one.
// A zero timeout polls.
func (q *InputQueue) Read(ctx context.Context, t *Thread, out []InputEvent, timeout time.Duration) (int, abi.Errno) {
	if len(out) == 0 {
		return 0, 0
	}

	var n int

	errno := t.Block(ctx, &q.waiters, timeout, true, func() bool {
		n = q.take(out)
		return n > 0
	})

	if errno == abi.ETIMEDOUT {
		return 0, 0
	}

	return n, errno
}

func (q *InputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.events)
}

func (q *InputQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped
}

func (q *InputQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()

	q.waiters.Notify(waiter.EventClosed)
}
