// Package waiter lets goroutines block on kernel objects. Objects own a
// Waiter and Notify it with an event mask whenever their state changes;
// blocked threads register a channel for the events they care about.
package waiter

import (
	"sync"

	"github.com/bayedieng/obliteration/log"
	"github.com/bayedieng/obliteration/pkg/ilist"
)

type EventType uint64

const (
	// EventSignaled reports that a wait condition may have become true.
	EventSignaled EventType = 1 << iota
	// EventFence reports fence progress on a GPU queue.
	EventFence
	// EventExit reports that a thread or process exited.
	EventExit
	// EventClosed reports that the object is being destroyed.
	EventClosed

	EventAll EventType = ^EventType(0)
)

type Waiter struct {
	mu sync.RWMutex

	count   int
	waiters ilist.List
}

type Event struct {
	ilist.Entry

	Mask     EventType
	Context  interface{}
	Callback func(e *Event)
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++

	w.waiters.PushBack(e)
}

func triggerChan(e *Event) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count--

	w.waiters.Remove(e)
}

// Count returns the number of registered events.
func (w *Waiter) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.count
}

func (w *Waiter) Notify(mask EventType) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	log.L.Trace("waiters-notify", "count", w.count)

	for it := w.waiters.Front(); it != nil; it = it.Next() {
		e := it.(*Event)
		if mask&e.Mask != 0 {
			e.Callback(e)
		}
	}
}
