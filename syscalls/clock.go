package syscalls

import (
	"context"
	"time"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

var start = time.Now()

func sysClockGetTime(ctx context.Context, l hclog.Logger, p *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		clk = args[0]
		ptr = args[1]
	)

	var ts abi.Timespec

	switch clk {
	case abi.CLOCK_REALTIME:
		t := time.Now()
		ts = abi.Timespec{
			Sec:  t.Unix(),
			Nsec: int64(t.Nanosecond()),
		}
	case abi.CLOCK_MONOTONIC:
		ns := time.Since(start).Nanoseconds()
		ts = abi.Timespec{
			Sec:  ns / 1000000000,
			Nsec: ns % 1000000000,
		}
	default:
		return 0, abi.EINVAL
	}

	err := p.Process.CopyOut(ptr, ts)
	if err != nil {
		return 0, abi.EFAULT
	}

	return 0, 0
}

func sysNanosleep(ctx context.Context, l hclog.Logger, p *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		req = args[0]
		rem = args[1]
	)

	var ts abi.Timespec

	err := p.Process.CopyIn(req, &ts)
	if err != nil {
		return 0, abi.EFAULT
	}

	if ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= 1000000000 {
		return 0, abi.EINVAL
	}

	d := time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)

	begin := time.Now()

	errno := p.Sleep(ctx, d)
	if errno == abi.EINTR && rem != 0 {
		left := d - time.Since(begin)
		if left < 0 {
			left = 0
		}

		p.Process.CopyOut(rem, abi.Timespec{
			Sec:  int64(left / time.Second),
			Nsec: int64(left % time.Second),
		})
	}

	return 0, errno
}

func init() {
	register("clock_gettime", sysClockGetTime)
	register("nanosleep", sysNanosleep)
}
