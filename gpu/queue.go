package gpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bayedieng/obliteration/pkg/waiter"
	hclog "github.com/hashicorp/go-hclog"
)

// Queue is a guest command queue. Submissions are applied by a single
// consumer goroutine strictly in the order they were accepted.
type Queue struct {
	ID int
	L  hclog.Logger

	tr    *Translator
	subs  chan []uint32
	state bindState

	mu      sync.RWMutex
	closed  bool
	discard atomic.Bool

	fence     atomic.Uint64
	submitted atomic.Uint64
	completed atomic.Uint64

	events waiter.Waiter
	done   chan struct{}
}

// NewQueue starts a queue holding at most depth pending submissions.
func (tr *Translator) NewQueue(depth int) (*Queue, error) {
	if depth <= 0 {
		depth = 1
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.closed {
		return nil, ErrClosed
	}

	tr.nextQueue++

	q := &Queue{
		ID:   tr.nextQueue,
		L:    tr.L.With("queue", tr.nextQueue),
		tr:   tr,
		subs: make(chan []uint32, depth),
		done: make(chan struct{}),
	}

	tr.queues[q.ID] = q

	go q.consume()

	return q, nil
}

// Submit hands a command buffer to the queue, blocking while it is full.
func (q *Queue) Submit(ctx context.Context, dwords []uint32) error {
	buf := make([]uint32, len(dwords))
	copy(buf, dwords)

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.subs <- buf:
		q.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) consume() {
	defer close(q.done)

	for sub := range q.subs {
		if !q.discard.Load() {
			q.run(sub)
		}

		q.completed.Add(1)
		q.events.Notify(waiter.EventSignaled)
	}
}

func (q *Queue) run(sub []uint32) {
	report := func(offset int, op Opcode, msg string) {
		d := Diagnostic{Queue: q.ID, Offset: offset, Op: op, Message: msg}
		q.L.Warn("packet-skipped", "offset", offset, "op", op, "reason", msg)
		q.tr.report(d)
	}

	pkts := Parse(sub, func(offset int, msg string) {
		report(offset, 0, msg)
	})

	for i := range pkts {
		if q.discard.Load() {
			return
		}

		pkt := &pkts[i]

		err := q.applySafe(pkt)
		if err != nil {
			report(pkt.Offset, pkt.Op, err.Error())
		}
	}
}

// applySafe keeps a bad packet from taking down the consumer.
func (q *Queue) applySafe(pkt *Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying packet: %v", r)
		}
	}()

	return q.tr.apply(q, pkt)
}

func (q *Queue) signal(value uint64) {
	for {
		cur := q.fence.Load()
		if value <= cur || q.fence.CompareAndSwap(cur, value) {
			break
		}
	}

	q.events.Notify(waiter.EventFence)
}

// Fence is the highest fence value signalled so far.
func (q *Queue) Fence() uint64 {
	return q.fence.Load()
}

// WaitFence blocks until the fence reaches value.
func (q *Queue) WaitFence(ctx context.Context, value uint64) error {
	c := make(chan struct{}, 1)
	ev := q.events.RegisterChannel(waiter.EventFence|waiter.EventClosed, c)
	defer q.events.Unregister(ev)

	for {
		if q.fence.Load() >= value {
			return nil
		}

		select {
		case <-q.done:
			if q.fence.Load() >= value {
				return nil
			}
			return ErrQueueClosed
		default:
		}

		select {
		case <-c:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Idle blocks until every accepted submission has been applied.
func (q *Queue) Idle(ctx context.Context) error {
	c := make(chan struct{}, 1)
	ev := q.events.RegisterChannel(waiter.EventSignaled, c)
	defer q.events.Unregister(ev)

	for q.completed.Load() < q.submitted.Load() {
		select {
		case <-c:
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Close stops the queue. With discard set, submissions not yet applied are
// dropped; otherwise they are drained first. Close returns after the
// consumer exited.
func (q *Queue) Close(discard bool) {
	if discard {
		q.discard.Store(true)
	}

	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.subs)
	}
	q.mu.Unlock()

	<-q.done

	q.events.Notify(waiter.EventClosed)
	q.tr.removeQueue(q)
}

func (q *Queue) Done() <-chan struct{} {
	return q.done
}
