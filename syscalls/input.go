package syscalls

import (
	"context"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/kernel"
	"github.com/bayedieng/obliteration/memory"
	hclog "github.com/hashicorp/go-hclog"
)

// inputEventSize is the guest size of one kernel.InputEvent.
const inputEventSize = 24

// input_read(buf, max, timeout) copies up to max events and returns how
// many were written. Timing out returns zero events.
func sysInputRead(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		addr = args[0]
		max  = args[1]
	)

	if max > kernel.InputBacklog {
		max = kernel.InputBacklog
	}

	if err := t.Process.Mem.Check(addr, max*inputEventSize, memory.AccessWrite); err != nil {
		return 0, abi.EFAULT
	}

	out := make([]kernel.InputEvent, max)

	n, errno := t.Process.Input.Read(ctx, t.Thread, out, timeout(args[2]))
	if errno != 0 {
		return 0, errno
	}

	if n == 0 {
		return 0, 0
	}

	err := t.Process.CopyOut(addr, out[:n])
	if err != nil {
		// unmapped by another thread since the check
		l.Debug("input-events-lost", "count", n, "error", err)
		return 0, abi.EFAULT
	}

	return uint64(n), 0
}

func init() {
	register("input_read", sysInputRead)
}
