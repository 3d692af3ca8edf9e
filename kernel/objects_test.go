package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/memory"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

type countedObject struct {
	destroyed int
}

func (c *countedObject) Type() ObjectType {
	return TypeEvent
}

func (c *countedObject) Destroy() error {
	c.destroyed++
	return nil
}

// testThreads returns threads of a process that never runs guest code.
func testThreads(n int) []*Thread {
	p := &Process{
		Name:       "test",
		L:          hclog.NewNullLogger(),
		Mem:        memory.NewVirtualMemory(memory.HeapHost{}, 0),
		Handles:    NewHandleTable(),
		Input:      NewInputQueue(),
		privileges: DefaultPrivileges(),
		threads:    make(map[int]*Thread),
		done:       make(chan struct{}),
	}

	var out []*Thread

	for i := 0; i < n; i++ {
		t := newThread(p, i+1)
		p.threads[t.Tid] = t
		out = append(out, t)
	}

	return out
}

func TestHandleTable(t *testing.T) {
	n := neko.Modern(t)

	var ht *HandleTable

	n.Setup(func() {
		ht = NewHandleTable()
	})

	n.It("reuses the lowest free handle", func(t *testing.T) {
		var hs []Handle

		for i := 0; i < 3; i++ {
			h, err := ht.Allocate(&countedObject{})
			require.NoError(t, err)

			hs = append(hs, h)
		}

		assert.Equal(t, []Handle{0, 1, 2}, hs)

		require.NoError(t, ht.Close(1))

		h, err := ht.Allocate(&countedObject{})
		require.NoError(t, err)
		assert.Equal(t, Handle(1), h)
	})

	n.It("destroys an object exactly once", func(t *testing.T) {
		obj := &countedObject{}

		h, err := ht.Allocate(obj)
		require.NoError(t, err)

		dup, err := ht.Duplicate(h)
		require.NoError(t, err)

		require.NoError(t, ht.Close(h))
		assert.Equal(t, 0, obj.destroyed)

		require.NoError(t, ht.Close(dup))
		assert.Equal(t, 1, obj.destroyed)

		err = ht.Close(dup)
		assert.Equal(t, ErrInvalidHandle, errors.Cause(err))
		assert.Equal(t, 1, obj.destroyed)
	})

	n.It("keeps an object alive while it is in use", func(t *testing.T) {
		obj := &countedObject{}

		h, err := ht.Allocate(obj)
		require.NoError(t, err)

		_, release, err := ht.Lookup(h)
		require.NoError(t, err)

		require.NoError(t, ht.Close(h))
		assert.Equal(t, 0, obj.destroyed)

		release()
		release()
		assert.Equal(t, 1, obj.destroyed)
	})

	n.It("checks the object type", func(t *testing.T) {
		h, err := ht.Allocate(&countedObject{})
		require.NoError(t, err)

		_, _, err = ht.LookupType(h, TypeMutex)
		assert.Equal(t, ErrWrongType, errors.Cause(err))

		_, _, err = ht.Lookup(99)
		assert.Equal(t, ErrInvalidHandle, errors.Cause(err))
	})

	n.It("closes everything", func(t *testing.T) {
		a, b := &countedObject{}, &countedObject{}

		_, err := ht.Allocate(a)
		require.NoError(t, err)

		_, err = ht.Allocate(b)
		require.NoError(t, err)

		require.NoError(t, ht.CloseAll())

		assert.Equal(t, 0, ht.Len())
		assert.Equal(t, 1, a.destroyed)
		assert.Equal(t, 1, b.destroyed)
	})

	n.Meow()
}

func TestObjects(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	var a, b *Thread

	n.Setup(func() {
		threads := testThreads(2)
		a, b = threads[0], threads[1]
	})

	n.It("reports mutex misuse", func(t *testing.T) {
		m := NewMutex(false)

		assert.Equal(t, abi.EPERM, m.Unlock(a))

		require.Equal(t, abi.Errno(0), m.Lock(ctx, a, -1))
		assert.Equal(t, abi.EDEADLK, m.Lock(ctx, a, -1))
		assert.Equal(t, abi.EDEADLK, m.TryLock(a))

		assert.Equal(t, abi.EBUSY, m.TryLock(b))
		assert.Equal(t, abi.EPERM, m.Unlock(b))
		assert.Equal(t, abi.ETIMEDOUT, m.Lock(ctx, b, time.Millisecond))

		assert.Equal(t, abi.Errno(0), m.Unlock(a))
		assert.Nil(t, m.Owner())
	})

	n.It("nests a recursive mutex", func(t *testing.T) {
		m := NewMutex(true)

		require.Equal(t, abi.Errno(0), m.Lock(ctx, a, -1))
		require.Equal(t, abi.Errno(0), m.Lock(ctx, a, -1))

		require.Equal(t, abi.Errno(0), m.Unlock(a))
		assert.Equal(t, a, m.Owner())

		require.Equal(t, abi.Errno(0), m.Unlock(a))
		assert.Nil(t, m.Owner())
	})

	n.It("hands a mutex to a waiter", func(t *testing.T) {
		m := NewMutex(false)

		require.Equal(t, abi.Errno(0), m.Lock(ctx, a, -1))

		res := make(chan abi.Errno, 1)
		go func() {
			res <- m.Lock(ctx, b, -1)
		}()

		require.Eventually(t, func() bool {
			return b.State() == ThreadBlocked
		}, time.Second, time.Millisecond)

		require.Equal(t, abi.Errno(0), m.Unlock(a))

		assert.Equal(t, abi.Errno(0), <-res)
		assert.Equal(t, b, m.Owner())
	})

	n.It("leaves a semaphore alone on timeout", func(t *testing.T) {
		s, errno := NewSemaphore(1, 4)
		require.Equal(t, abi.Errno(0), errno)

		assert.Equal(t, abi.ETIMEDOUT, s.Wait(ctx, a, 2, 5*time.Millisecond))
		assert.Equal(t, 1, s.Count())

		assert.Equal(t, abi.EINVAL, s.Signal(4))
		assert.Equal(t, 1, s.Count())

		assert.Equal(t, abi.EINVAL, s.Wait(ctx, a, 5, -1))

		require.Equal(t, abi.Errno(0), s.Signal(1))
		assert.Equal(t, abi.Errno(0), s.Wait(ctx, a, 2, 0))
		assert.Equal(t, 0, s.Count())
	})

	n.It("rejects bad semaphore bounds", func(t *testing.T) {
		_, errno := NewSemaphore(5, 4)
		assert.Equal(t, abi.EINVAL, errno)

		_, errno = NewSemaphore(0, 0)
		assert.Equal(t, abi.EINVAL, errno)
	})

	n.It("clears an auto reset event for one waiter", func(t *testing.T) {
		ev := NewEventFlag(false, true)

		assert.Equal(t, abi.Errno(0), ev.Wait(ctx, a, 0))
		assert.False(t, ev.Signaled())
		assert.Equal(t, abi.ETIMEDOUT, ev.Wait(ctx, b, time.Millisecond))
	})

	n.It("keeps a manual reset event set", func(t *testing.T) {
		ev := NewEventFlag(true, false)

		ev.Set()

		assert.Equal(t, abi.Errno(0), ev.Wait(ctx, a, 0))
		assert.Equal(t, abi.Errno(0), ev.Wait(ctx, b, 0))

		ev.Reset()
		assert.False(t, ev.Signaled())
	})

	n.It("waits on a condition variable", func(t *testing.T) {
		m := NewMutex(false)
		cv := NewCondVar()

		require.Equal(t, abi.Errno(0), m.Lock(ctx, a, -1))

		res := make(chan abi.Errno, 1)
		go func() {
			res <- cv.Wait(ctx, a, m, -1)
		}()

		require.Eventually(t, func() bool {
			return cv.Waiters() == 1 && m.Owner() == nil
		}, time.Second, time.Millisecond)

		require.Equal(t, abi.Errno(0), m.Lock(ctx, b, -1))
		cv.Signal()
		require.Equal(t, abi.Errno(0), m.Unlock(b))

		assert.Equal(t, abi.Errno(0), <-res)
		assert.Equal(t, a, m.Owner())
	})

	n.It("requires the mutex for a condition wait", func(t *testing.T) {
		m := NewMutex(false)
		cv := NewCondVar()

		assert.Equal(t, abi.EPERM, cv.Wait(ctx, a, m, -1))
	})

	n.It("interrupts a wait for a signal", func(t *testing.T) {
		s, _ := NewSemaphore(0, 1)

		res := make(chan abi.Errno, 1)
		go func() {
			res <- s.Wait(ctx, a, 1, -1)
		}()

		require.Eventually(t, func() bool {
			return a.State() == ThreadBlocked
		}, time.Second, time.Millisecond)

		require.NoError(t, a.Signal(abi.SIGUSR1))

		assert.Equal(t, abi.EINTR, <-res)
		assert.True(t, a.Pending())
		assert.Equal(t, 0, s.Count())
	})

	n.It("joins a thread that already exited exactly once", func(t *testing.T) {
		p := b.Process

		b.teardown()

		_, ok := p.Thread(b.Tid)
		assert.False(t, ok)

		other, ok := p.Joinable(b.Tid)
		require.True(t, ok)
		assert.Equal(t, b, other)

		assert.Equal(t, abi.Errno(0), b.Join(ctx, a, -1))

		_, ok = p.Joinable(b.Tid)
		assert.False(t, ok)
	})

	n.It("leaves a thread joinable when the join times out", func(t *testing.T) {
		assert.Equal(t, abi.ETIMEDOUT, b.Join(ctx, a, time.Millisecond))

		_, ok := a.Process.Joinable(b.Tid)
		assert.True(t, ok)

		assert.Equal(t, abi.EDEADLK, b.Join(ctx, b, -1))
	})

	n.It("moves bytes through a pipe", func(t *testing.T) {
		r, w := NewPipe()

		n, errno := w.Write(ctx, a, []byte("abc"))
		require.Equal(t, abi.Errno(0), errno)
		assert.Equal(t, 3, n)

		_, errno = r.Write(ctx, a, []byte("x"))
		assert.Equal(t, abi.EBADF, errno)

		buf := make([]byte, 8)

		n, errno = r.Read(ctx, a, buf)
		require.Equal(t, abi.Errno(0), errno)
		assert.Equal(t, "abc", string(buf[:n]))

		require.NoError(t, w.Destroy())

		n, errno = r.Read(ctx, a, buf)
		assert.Equal(t, abi.Errno(0), errno)
		assert.Equal(t, 0, n)
	})

	n.It("breaks a pipe without readers", func(t *testing.T) {
		r, w := NewPipe()

		require.NoError(t, r.Destroy())

		_, errno := w.Write(ctx, a, []byte("abc"))
		assert.Equal(t, abi.EPIPE, errno)
	})

	n.It("queues input events", func(t *testing.T) {
		q := NewInputQueue()

		out := make([]InputEvent, 4)

		n, errno := q.Read(ctx, a, out, 0)
		require.Equal(t, abi.Errno(0), errno)
		assert.Equal(t, 0, n)

		for i := 0; i < InputBacklog+2; i++ {
			q.Post(InputEvent{Code: uint32(i)})
		}

		assert.Equal(t, InputBacklog, q.Len())
		assert.Equal(t, 2, q.Dropped())

		n, errno = q.Read(ctx, a, out, -1)
		require.Equal(t, abi.Errno(0), errno)
		require.Equal(t, 4, n)
		assert.Equal(t, uint32(2), out[0].Code)

		q.Close()
		q.Post(InputEvent{})
		assert.Equal(t, 0, q.Len())
	})

	n.Meow()
}
