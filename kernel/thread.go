package kernel

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/exec"
	"github.com/bayedieng/obliteration/memory"
	"github.com/bayedieng/obliteration/pkg/waiter"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

type ThreadState int32

const (
	ThreadCreated ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadSuspended
	ThreadExited
)

var threadStateNames = [...]string{"created", "running", "blocked", "suspended", "exited"}

func (s ThreadState) String() string {
	return threadStateNames[s]
}

// Guest priorities. Lower values run first.
const (
	MinPriority     = 256
	MaxPriority     = 767
	DefaultPriority = 700
)

var (
	ErrStopped      = errors.New("thread stopped")
	ErrThreadExited = errors.New("thread exited")
	ErrNotSuspended = errors.New("thread is not suspended")
)

// Thread is a guest thread. Regs is owned by the goroutine running the
// thread; other goroutines only look at it while the thread is suspended.
type Thread struct {
	Tid     int
	Process *Process
	L       hclog.Logger

	Regs exec.Regs

	stack *memory.Region
	tls   *memory.Region

	mu        sync.Mutex
	cond      *sync.Cond
	state     ThreadState
	inGuest   bool
	suspends  int
	interrupt func()
	cancel    context.CancelFunc

	priority   int
	affinity   uint64
	hintsDirty bool

	suspendReq atomic.Int32
	stopped    atomic.Bool
	pending    atomic.Uint64

	// saved contexts of the signal handlers currently running
	frames []exec.Regs

	events waiter.Waiter
	done   chan struct{}
}

func newThread(p *Process, tid int) *Thread {
	t := &Thread{
		Tid:      tid,
		Process:  p,
		L:        p.L.With("tid", tid),
		priority: DefaultPriority,
		done:     make(chan struct{}),
	}

	t.cond = sync.NewCond(&t.mu)
	t.Regs.RFLAGS = exec.InitialFlags

	return t
}

func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Done is closed once the thread exited and its stack and TLS are gone.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

func (t *Thread) setState(s ThreadState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == ThreadExited {
		return
	}

	t.state = s
	t.cond.Broadcast()
}

func (t *Thread) setInGuest(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inGuest = v
	t.cond.Broadcast()
}

// SetInterrupt installs the function that aborts the thread's current wait.
// It runs straight away when a signal is already pending.
func (t *Thread) SetInterrupt(f func()) {
	t.mu.Lock()
	t.interrupt = f
	fire := f != nil && (t.pending.Load() != 0 || t.stopped.Load())
	t.mu.Unlock()

	if fire {
		f()
	}
}

func (t *Thread) Interrupt() {
	t.mu.Lock()
	f := t.interrupt
	t.mu.Unlock()

	if f != nil {
		f()
	}
}

// Stopping reports whether the thread was told to exit.
func (t *Thread) Stopping() bool {
	return t.stopped.Load()
}

// kill makes the thread leave guest code at its next safe point and aborts
// any wait it is in.
func (t *Thread) kill() {
	t.mu.Lock()
	t.stopped.Store(true)
	cancel := t.cancel
	t.cond.Broadcast()
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	t.Interrupt()
}

// Exit ends the thread once control returns from the current kernel call.
func (t *Thread) Exit() {
	t.L.Trace("thread-exit")
	t.kill()
}

// Block parks the thread until try succeeds. A negative timeout waits
// forever. Interruptible waits return EINTR as soon as a signal is pending;
// every wait returns EINTR once the thread is stopping.
func (t *Thread) Block(ctx context.Context, w *waiter.Waiter, timeout time.Duration, interruptible bool, try func() bool) abi.Errno {
	if try() {
		return 0
	}

	c := make(chan struct{}, 1)
	ev := w.RegisterChannel(waiter.EventSignaled|waiter.EventExit|waiter.EventClosed, c)
	defer w.Unregister(ev)

	var expired <-chan time.Time

	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	wctx := ctx

	if interruptible {
		var cancel context.CancelFunc

		wctx, cancel = context.WithCancel(ctx)
		defer cancel()

		t.SetInterrupt(cancel)
		defer t.SetInterrupt(nil)
	}

	t.setState(ThreadBlocked)
	defer t.setState(ThreadRunning)

	for {
		if try() {
			return 0
		}

		select {
		case <-c:
		case <-expired:
			if try() {
				return 0
			}

			return abi.ETIMEDOUT
		case <-wctx.Done():
			return abi.EINTR
		}
	}
}

// Sleep waits for d or until interrupted.
func (t *Thread) Sleep(ctx context.Context, d time.Duration) abi.Errno {
	var never waiter.Waiter

	err := t.Block(ctx, &never, d, true, func() bool { return false })
	if err == abi.ETIMEDOUT {
		return 0
	}

	return err
}

// Suspend stops the thread before it runs another guest instruction. When
// caller is another thread, Suspend returns once the target is parked or
// inside the kernel.
func (t *Thread) Suspend(caller *Thread) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == ThreadExited {
		return ErrThreadExited
	}

	t.suspends++
	t.suspendReq.Store(int32(t.suspends))

	if caller == t {
		return nil
	}

	for t.inGuest && t.state != ThreadExited && !t.stopped.Load() {
		t.cond.Wait()
	}

	return nil
}

func (t *Thread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.suspends == 0 {
		return ErrNotSuspended
	}

	t.suspends--
	t.suspendReq.Store(int32(t.suspends))
	t.cond.Broadcast()

	return nil
}

// gate runs between guest instructions and parks the thread while it is
// suspended.
func (t *Thread) gate() error {
	if t.stopped.Load() {
		return ErrStopped
	}

	if t.suspendReq.Load() == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for t.suspends > 0 && !t.stopped.Load() {
		if t.state != ThreadSuspended {
			t.L.Trace("thread-parked")
		}

		t.state = ThreadSuspended
		t.inGuest = false
		t.cond.Broadcast()
		t.cond.Wait()
	}

	t.state = ThreadRunning
	t.inGuest = true
	t.cond.Broadcast()

	if t.stopped.Load() {
		return ErrStopped
	}

	return nil
}

// SetPriority records a guest priority; it reaches the host thread at the
// next safe point.
func (t *Thread) SetPriority(prio int) error {
	if prio < MinPriority || prio > MaxPriority {
		return errors.Errorf("priority %d out of range", prio)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.priority = prio
	t.hintsDirty = true

	return nil
}

func (t *Thread) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.priority
}

// SetAffinity records a CPU mask. Zero means any CPU.
func (t *Thread) SetAffinity(mask uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.affinity = mask
	t.hintsDirty = true
}

func (t *Thread) applyHints() {
	t.mu.Lock()
	prio, mask := t.priority, t.affinity
	t.hintsDirty = false
	t.mu.Unlock()

	applyHostHints(t.L, prio, mask)
}

func (t *Thread) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer t.teardown()

	t.applyHints()

	t.mu.Lock()
	if t.stopped.Load() {
		t.mu.Unlock()
		return
	}

	t.state = ThreadRunning
	t.inGuest = true
	t.cond.Broadcast()
	t.mu.Unlock()

	t.L.Debug("thread-start", "rip", hclog.Fmt("%#x", t.Regs.RIP), "rsp", hclog.Fmt("%#x", t.Regs.GPR[exec.RSP]))

	ctx = SetTask(ctx, &Task{Thread: t})

	err := t.Process.Kernel.cpu.Run(ctx, &t.Regs, t.Process.Mem, threadTrap{t})
	if err != nil && errors.Cause(err) != ErrStopped && errors.Cause(err) != context.Canceled {
		t.L.Error("thread-cpu-error", "error", err)
		t.Process.crash(abi.SIGKILL, err.Error())
	}
}

func (t *Thread) teardown() {
	t.setInGuest(false)

	mem := t.Process.Mem

	if t.tls != nil {
		if err := mem.Release(t.tls); err != nil {
			t.L.Warn("error releasing tls", "error", err)
		}
	}

	if t.stack != nil {
		if err := mem.Release(t.stack); err != nil {
			t.L.Warn("error releasing stack", "error", err)
		}
	}

	t.Process.removeThread(t)

	t.mu.Lock()
	t.state = ThreadExited
	t.inGuest = false
	t.cond.Broadcast()
	t.mu.Unlock()

	t.L.Debug("thread-exited")

	close(t.done)
	t.events.Notify(waiter.EventExit)
}

// Join waits for t to finish tearing down. A joined thread can't be
// joined again.
func (t *Thread) Join(ctx context.Context, caller *Thread, timeout time.Duration) abi.Errno {
	if caller == t {
		return abi.EDEADLK
	}

	errno := caller.Block(ctx, &t.events, timeout, true, func() bool {
		select {
		case <-t.done:
			return true
		default:
			return false
		}
	})
	if errno != 0 {
		return errno
	}

	t.Process.forgetThread(t)

	return 0
}
