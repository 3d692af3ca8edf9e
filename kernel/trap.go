package kernel

import (
	"context"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/exec"
	"github.com/bayedieng/obliteration/memory"
	hclog "github.com/hashicorp/go-hclog"
)

// threadTrap connects a thread's CPU to the kernel.
type threadTrap struct {
	t *Thread
}

func (tr threadTrap) Checkpoint(ctx context.Context, regs *exec.Regs) error {
	return tr.t.gate()
}

func (tr threadTrap) Syscall(ctx context.Context, regs *exec.Regs) error {
	t := tr.t

	t.setInGuest(false)
	defer t.setInGuest(true)

	err := t.Process.Kernel.dispatch(ctx, &Task{Thread: t}, regs)
	if err != nil {
		return err
	}

	t.mu.Lock()
	dirty := t.hintsDirty
	t.mu.Unlock()

	if dirty {
		t.applyHints()
	}

	if !t.deliverPending(regs) {
		return ErrStopped
	}

	return nil
}

// faultSignal picks the signal a synchronous exception raises and the
// address reported to the handler.
func faultSignal(regs *exec.Regs, exc *exec.Exception) (abi.Signal, uint64) {
	switch exc.Kind {
	case exec.MemoryFault:
		f, ok := memory.AsFault(exc.Err)
		if !ok {
			return abi.SIGSEGV, exc.RIP
		}

		if f.Reason == memory.FaultUncommitted {
			return abi.SIGBUS, f.Addr
		}

		return abi.SIGSEGV, f.Addr
	case exec.IllegalInstruction:
		return abi.SIGILL, exc.RIP
	case exec.Breakpoint:
		return abi.SIGTRAP, exc.RIP
	case exec.DivideError:
		return abi.SIGFPE, exc.RIP
	default:
		return abi.SIGILL, exc.RIP
	}
}

func (tr threadTrap) Fault(ctx context.Context, regs *exec.Regs, exc *exec.Exception) error {
	t := tr.t
	p := t.Process

	t.setInGuest(false)
	defer t.setInGuest(true)

	if exc.Kind == exec.MemoryFault && memory.IsHostError(exc.Err) {
		t.L.Error("host-error", "error", exc.Err)
		p.crash(abi.SIGKILL, exc.Err.Error())
		return ErrStopped
	}

	sig, addr := faultSignal(regs, exc)

	// the trap reports the instruction after int3, like the hardware
	if exc.Kind == exec.Breakpoint {
		regs.RIP = exc.RIP + 1
	}

	t.L.Debug("guest-fault",
		"kind", exc.Kind,
		"rip", hclog.Fmt("%#x", exc.RIP),
		"signal", sig,
		"addr", hclog.Fmt("%#x", addr),
		"error", exc.Err,
	)

	if !t.deliver(sig, addr, regs, true) {
		return ErrStopped
	}

	return nil
}
