package kernel

import (
	"math/bits"
	"sync"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/exec"
	"github.com/pkg/errors"
)

// Special handler values.
const (
	SigDefault uint64 = 0
	SigIgnore  uint64 = 1
)

const (
	// redZone is the area below the interrupted stack pointer a handler
	// frame must not touch.
	redZone = 128

	maxSignalDepth = 32
)

var (
	ErrUncatchable   = errors.New("signal cannot be caught")
	ErrNoSignalFrame = errors.New("no signal frame to return from")
)

// Signals holds the process wide signal dispositions.
type Signals struct {
	mu       sync.Mutex
	handlers map[abi.Signal]uint64
}

// SetHandler installs handler for sig and returns the previous one.
func (s *Signals) SetHandler(sig abi.Signal, handler uint64) (uint64, error) {
	if !sig.Valid() {
		return 0, errors.Errorf("invalid signal %d", sig)
	}

	if sig == abi.SIGKILL || sig == abi.SIGSTOP {
		return 0, ErrUncatchable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[abi.Signal]uint64)
	}

	old := s.handlers[sig]

	if handler == SigDefault {
		delete(s.handlers, sig)
	} else {
		s.handlers[sig] = handler
	}

	return old, nil
}

func (s *Signals) Handler(sig abi.Signal) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handlers[sig]
}

// Signal marks sig pending on the thread. It is acted upon at the next
// kernel call boundary, and any interruptible wait is aborted.
func (t *Thread) Signal(sig abi.Signal) error {
	if !sig.Valid() {
		return errors.Errorf("invalid signal %d", sig)
	}

	if sig == abi.SIGKILL {
		t.Process.Kill(abi.SIGKILL)
		return nil
	}

	for {
		cur := t.pending.Load()
		if t.pending.CompareAndSwap(cur, cur|1<<uint(sig)) {
			break
		}
	}

	t.L.Trace("signal-queued", "signal", sig)

	t.Interrupt()

	return nil
}

// Pending reports whether any signal waits for delivery.
func (t *Thread) Pending() bool {
	return t.pending.Load() != 0
}

func (t *Thread) dequeue() (abi.Signal, bool) {
	for {
		cur := t.pending.Load()
		if cur == 0 {
			return 0, false
		}

		sig := bits.TrailingZeros64(cur)

		if t.pending.CompareAndSwap(cur, cur&^(1<<uint(sig))) {
			return abi.Signal(sig), true
		}
	}
}

// deliverPending hands every pending signal to the guest. It returns false
// when a signal ended the process.
func (t *Thread) deliverPending(regs *exec.Regs) bool {
	for {
		sig, ok := t.dequeue()
		if !ok {
			return true
		}

		if !t.deliver(sig, 0, regs, false) {
			return false
		}
	}
}

// deliver vectors the thread into the guest handler for sig. The interrupted
// context stays in the kernel until the handler calls sigreturn. Returns
// false when the signal ended the process.
func (t *Thread) deliver(sig abi.Signal, addr uint64, regs *exec.Regs, sync bool) bool {
	p := t.Process
	handler := p.Signals.Handler(sig)

	// an ignored fault would only fault again
	if handler == SigIgnore && sync {
		handler = SigDefault
	}

	switch handler {
	case SigIgnore:
		return true
	case SigDefault:
		if !sig.Fatal() {
			return true
		}

		p.crash(sig, "unhandled signal at "+hexAddr(regs.RIP))

		return false
	}

	if len(t.frames) >= maxSignalDepth {
		p.crash(sig, "signal handlers nested too deeply")
		return false
	}

	saved := *regs

	sp := (regs.GPR[exec.RSP]-redZone)&^15 - 8

	var ret [8]byte
	putUint64(ret[:], p.sigcode)

	if err := p.Mem.Write(sp, ret[:]); err != nil {
		p.crash(abi.SIGSEGV, "unable to push signal frame: "+err.Error())
		return false
	}

	t.frames = append(t.frames, saved)

	regs.GPR[exec.RSP] = sp
	regs.GPR[exec.RDI] = uint64(sig)
	regs.GPR[exec.RSI] = addr
	regs.GPR[exec.RDX] = 0
	regs.RIP = handler

	t.L.Debug("signal-delivered", "signal", sig, "handler", hexAddr(handler), "addr", hexAddr(addr))

	return true
}

// SigReturn restores the context interrupted by the newest signal.
func (t *Thread) SigReturn(regs *exec.Regs) error {
	if len(t.frames) == 0 {
		return ErrNoSignalFrame
	}

	*regs = t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]

	return nil
}
