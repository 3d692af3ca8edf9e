package syscalls

import (
	"context"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// kSigAction is the guest's struct sigaction.
type kSigAction struct {
	Handler uint64
	Flags   int32
	Mask    [4]uint32
}

func sysSigaction(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		sig        = abi.Signal(int32(args[0]))
		actionAddr = args[1]
		oldAddr    = args[2]
	)

	if !sig.Valid() {
		return 0, abi.EINVAL
	}

	signals := &t.Process.Signals

	old := signals.Handler(sig)

	if actionAddr != 0 {
		var act kSigAction

		err := t.Process.CopyIn(actionAddr, &act)
		if err != nil {
			l.Error("error copying sigaction", "error", err)
			return 0, abi.EFAULT
		}

		old, err = signals.SetHandler(sig, act.Handler)
		if err != nil {
			return 0, abi.EINVAL
		}
	}

	if oldAddr != 0 {
		err := t.Process.CopyOut(oldAddr, kSigAction{Handler: old})
		if err != nil {
			return 0, abi.EFAULT
		}
	}

	return 0, 0
}

// sigreturn resumes the context the newest signal interrupted. The thread's
// register file is the one the CPU runs with.
func sysSigreturn(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	err := t.SigReturn(&t.Regs)
	if err != nil {
		return 0, abi.EINVAL
	}

	return 0, abi.EJUSTRETURN
}

func sysKill(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		pid = args.Int(0)
		sig = abi.Signal(int32(args[1]))
	)

	if pid != 0 && pid != int64(t.Process.Pid) {
		return 0, abi.ESRCH
	}

	if sig == 0 {
		return 0, 0
	}

	if !sig.Valid() {
		return 0, abi.EINVAL
	}

	err := t.Process.SignalProcess(sig)
	if err != nil {
		return 0, errnoFor(err)
	}

	return 0, 0
}

func sysThrKill(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		tid = args.Int(0)
		sig = abi.Signal(int32(args[1]))
	)

	target, ok := t.Process.Thread(int(tid))
	if !ok {
		return 0, abi.ESRCH
	}

	if sig == 0 {
		return 0, 0
	}

	if !sig.Valid() {
		return 0, abi.EINVAL
	}

	err := target.Signal(sig)
	if err != nil {
		return 0, errnoFor(err)
	}

	return 0, 0
}

func init() {
	register("sigaction", sysSigaction)
	register("sigreturn", sysSigreturn)
	register("kill", sysKill)
	register("thr_kill", sysThrKill)
}
