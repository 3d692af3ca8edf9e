package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/pkg/waiter"
)

// Mutex is a guest mutex owned by at most one thread.
type Mutex struct {
	Recursive bool

	mu     sync.Mutex
	owner  *Thread
	depth  int
	events waiter.Waiter
}

func NewMutex(recursive bool) *Mutex {
	return &Mutex{Recursive: recursive}
}

func (m *Mutex) Type() ObjectType {
	return TypeMutex
}

func (m *Mutex) Destroy() error {
	m.events.Notify(waiter.EventClosed)
	return nil
}

func (m *Mutex) Owner() *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.owner
}

// tryLock takes the mutex if it is free. Callers hold mu.
func (m *Mutex) tryLock(t *Thread) bool {
	if m.owner == nil || m.owner.State() == ThreadExited {
		m.owner = t
		m.depth = 1
		return true
	}

	return false
}

// Lock acquires the mutex for t, waiting at most timeout.
func (m *Mutex) Lock(ctx context.Context, t *Thread, timeout time.Duration) abi.Errno {
	m.mu.Lock()
	if m.owner == t {
		defer m.mu.Unlock()

		if !m.Recursive {
			return abi.EDEADLK
		}

		m.depth++
		return 0
	}
	m.mu.Unlock()

	return t.Block(ctx, &m.events, timeout, true, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()

		return m.tryLock(t)
	})
}

// lockForWait reacquires the mutex after a condition wait. Signals do not
// abort it; only thread exit does.
func (m *Mutex) lockForWait(ctx context.Context, t *Thread, depth int) abi.Errno {
	return t.Block(ctx, &m.events, -1, false, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.tryLock(t) {
			m.depth = depth
			return true
		}

		return false
	})
}

// TryLock never blocks and reports EBUSY when the mutex is held.
func (m *Mutex) TryLock(t *Thread) abi.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner == t {
		if !m.Recursive {
			return abi.EDEADLK
		}

		m.depth++
		return 0
	}

	if m.tryLock(t) {
		return 0
	}

	return abi.EBUSY
}

func (m *Mutex) Unlock(t *Thread) abi.Errno {
	m.mu.Lock()

	if m.owner != t {
		m.mu.Unlock()
		return abi.EPERM
	}

	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return 0
	}

	m.owner = nil
	m.mu.Unlock()

	m.events.Notify(waiter.EventSignaled)

	return 0
}

// release drops the mutex entirely and returns the recursion depth it had.
func (m *Mutex) release(t *Thread) (int, abi.Errno) {
	m.mu.Lock()

	if m.owner != t {
		m.mu.Unlock()
		return 0, abi.EPERM
	}

	depth := m.depth
	m.owner = nil
	m.depth = 0
	m.mu.Unlock()

	m.events.Notify(waiter.EventSignaled)

	return depth, 0
}

// CondVar is a guest condition variable used together with a Mutex.
type CondVar struct {
	mu      sync.Mutex
	waiters []*condTicket
}

type condTicket struct {
	woken  bool
	events waiter.Waiter
}

func NewCondVar() *CondVar {
	return &CondVar{}
}

func (c *CondVar) Type() ObjectType {
	return TypeCondVar
}

func (c *CondVar) Destroy() error {
	c.Broadcast()
	return nil
}

// Wait releases m, waits to be signalled and takes m back before returning,
// whatever the outcome of the wait.
func (c *CondVar) Wait(ctx context.Context, t *Thread, m *Mutex, timeout time.Duration) abi.Errno {
	tk := &condTicket{}

	c.mu.Lock()
	c.waiters = append(c.waiters, tk)
	c.mu.Unlock()

	depth, errno := m.release(t)
	if errno != 0 {
		c.remove(tk)
		return errno
	}

	errno = t.Block(ctx, &tk.events, timeout, true, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		return tk.woken
	})

	if errno != 0 && !c.remove(tk) {
		// signalled while timing out; the wakeup wins
		errno = 0
	}

	if lerr := m.lockForWait(ctx, t, depth); lerr != 0 && errno == 0 {
		errno = lerr
	}

	return errno
}

// remove drops an unwoken ticket and reports whether it was still queued.
func (c *CondVar) remove(tk *condTicket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range c.waiters {
		if w == tk {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}

	return false
}

func (c *CondVar) wake(n int) {
	c.mu.Lock()

	if n < 0 || n > len(c.waiters) {
		n = len(c.waiters)
	}

	woken := make([]*condTicket, n)
	copy(woken, c.waiters[:n])
	c.waiters = c.waiters[n:]

	for _, tk := range woken {
		tk.woken = true
	}

	c.mu.Unlock()

	for _, tk := range woken {
		tk.events.Notify(waiter.EventSignaled)
	}
}

func (c *CondVar) Signal() {
	c.wake(1)
}

func (c *CondVar) Broadcast() {
	c.wake(-1)
}

// Waiters is the number of threads queued on the condition.
func (c *CondVar) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.waiters)
}

// EventFlag is a manual or auto reset event.
type EventFlag struct {
	ManualReset bool

	mu       sync.Mutex
	signaled bool
	events   waiter.Waiter
}

func NewEventFlag(manualReset, initial bool) *EventFlag {
	return &EventFlag{ManualReset: manualReset, signaled: initial}
}

func (e *EventFlag) Type() ObjectType {
	return TypeEvent
}

func (e *EventFlag) Destroy() error {
	e.events.Notify(waiter.EventClosed)
	return nil
}

func (e *EventFlag) Set() {
	e.mu.Lock()
	e.signaled = true
	e.mu.Unlock()

	e.events.Notify(waiter.EventSignaled)
}

func (e *EventFlag) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.signaled = false
}

func (e *EventFlag) Signaled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.signaled
}

// Wait returns once the event is set. Auto reset events are cleared by the
// waiter that observes them.
func (e *EventFlag) Wait(ctx context.Context, t *Thread, timeout time.Duration) abi.Errno {
	return t.Block(ctx, &e.events, timeout, true, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()

		if !e.signaled {
			return false
		}

		if !e.ManualReset {
			e.signaled = false
		}

		return true
	})
}

// Semaphore is a counting semaphore bounded by Max.
type Semaphore struct {
	Max int

	mu     sync.Mutex
	count  int
	events waiter.Waiter
}

func NewSemaphore(initial, max int) (*Semaphore, abi.Errno) {
	if max <= 0 || initial < 0 || initial > max {
		return nil, abi.EINVAL
	}

	return &Semaphore{Max: max, count: initial}, 0
}

func (s *Semaphore) Type() ObjectType {
	return TypeSemaphore
}

func (s *Semaphore) Destroy() error {
	s.events.Notify(waiter.EventClosed)
	return nil
}

func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

// Wait takes n units. On timeout or interruption the count is untouched.
func (s *Semaphore) Wait(ctx context.Context, t *Thread, n int, timeout time.Duration) abi.Errno {
	if n <= 0 || n > s.Max {
		return abi.EINVAL
	}

	return t.Block(ctx, &s.events, timeout, true, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.count < n {
			return false
		}

		s.count -= n
		return true
	})
}

// Signal returns n units. Going past Max fails and changes nothing.
func (s *Semaphore) Signal(n int) abi.Errno {
	s.mu.Lock()

	if n <= 0 || s.count+n > s.Max {
		s.mu.Unlock()
		return abi.EINVAL
	}

	s.count += n
	s.mu.Unlock()

	s.events.Notify(waiter.EventSignaled)

	return 0
}
