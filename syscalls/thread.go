package syscalls

import (
	"context"
	"encoding/binary"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysExit(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	code := int(int32(args[0]))

	l.Debug("process-exit-requested", "code", code)

	t.Process.Exit(code)

	return 0, abi.EJUSTRETURN
}

func sysGetPid(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	return uint64(t.Process.Pid), 0
}

// thr_self stores the caller's id at the given address and also returns it.
func sysThrSelf(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	addr := args[0]

	if addr != 0 {
		err := t.Process.CopyOut(addr, int64(t.Tid))
		if err != nil {
			return 0, abi.EFAULT
		}
	}

	return uint64(t.Tid), 0
}

// thrParam is the guest's struct thr_param.
type thrParam struct {
	StartFunc uint64
	Arg       uint64
	StackBase uint64
	StackSize uint64
	TLSBase   uint64
	TLSSize   uint64
	ChildTid  uint64
	ParentTid uint64
	Flags     int32
	_         int32
	Rtp       uint64
}

const thrParamSize = 80

// rtprio is the guest's struct rtprio.
type rtprio struct {
	Type uint16
	Prio uint16
}

func sysThrNew(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		addr = args[0]
		size = args[1]
	)

	if size < thrParamSize {
		return 0, abi.EINVAL
	}

	var param thrParam

	err := t.Process.CopyIn(addr, &param)
	if err != nil {
		return 0, abi.EFAULT
	}

	if param.StartFunc == 0 {
		return 0, abi.EINVAL
	}

	if param.StackBase != 0 && param.StackSize == 0 {
		return 0, abi.EINVAL
	}

	params := kernel.ThreadParams{
		Entry:     param.StartFunc,
		Arg:       param.Arg,
		StackBase: param.StackBase,
		StackSize: param.StackSize,
		TLSBase:   param.TLSBase,
	}

	if param.Rtp != 0 {
		var rtp rtprio

		err = t.Process.CopyIn(param.Rtp, &rtp)
		if err != nil {
			return 0, abi.EFAULT
		}

		if int(rtp.Prio) < kernel.MinPriority || int(rtp.Prio) > kernel.MaxPriority {
			return 0, abi.EINVAL
		}

		params.Priority = int(rtp.Prio)
	}

	nt, err := t.Process.NewThread(ctx, params)
	if err != nil {
		l.Debug("thread-create-failed", "error", err)
		return 0, errnoFor(err)
	}

	var tid [8]byte
	binary.LittleEndian.PutUint64(tid[:], uint64(nt.Tid))

	// the thread already runs; bad addresses here are the guest's problem
	for _, p := range []uint64{param.ChildTid, param.ParentTid} {
		if p != 0 {
			t.Process.Mem.Write(p, tid[:])
		}
	}

	return 0, 0
}

// thr_exit stores 1 at the given address, if any, and ends the caller.
func sysThrExit(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	state := args[0]

	if state != 0 {
		t.Process.CopyOut(state, int64(1))
	}

	t.Exit()

	return 0, abi.EJUSTRETURN
}

func thread(t *kernel.Task, tid int64) (*kernel.Thread, abi.Errno) {
	if tid == -1 || tid == 0 || tid == int64(t.Tid) {
		return t.Thread, 0
	}

	other, ok := t.Process.Thread(int(tid))
	if !ok {
		return nil, abi.ESRCH
	}

	return other, 0
}

func sysThrJoin(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		tid = args.Int(0)
		to  = timeout(args[1])
	)

	if tid == int64(t.Tid) {
		return 0, abi.EDEADLK
	}

	other, ok := t.Process.Joinable(int(tid))
	if !ok {
		return 0, abi.ESRCH
	}

	return 0, other.Join(ctx, t.Thread, to)
}

func sysThrSuspend(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	target, errno := thread(t, args.Int(0))
	if errno != 0 {
		return 0, errno
	}

	err := target.Suspend(t.Thread)
	if err != nil {
		return 0, errnoFor(err)
	}

	return 0, 0
}

func sysThrResume(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	target, errno := thread(t, args.Int(0))
	if errno != 0 {
		return 0, errno
	}

	err := target.Resume()
	if err != nil {
		return 0, abi.EINVAL
	}

	return 0, 0
}

const (
	rtpLookup = 0
	rtpSet    = 1
)

func sysRtprioThread(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		function = args[0]
		tid      = args.Int(1)
		addr     = args[2]
	)

	target, errno := thread(t, tid)
	if errno != 0 {
		return 0, errno
	}

	switch function {
	case rtpLookup:
		err := t.Process.CopyOut(addr, rtprio{Type: 1, Prio: uint16(target.Priority())})
		if err != nil {
			return 0, abi.EFAULT
		}
	case rtpSet:
		var rtp rtprio

		err := t.Process.CopyIn(addr, &rtp)
		if err != nil {
			return 0, abi.EFAULT
		}

		err = target.SetPriority(int(rtp.Prio))
		if err != nil {
			return 0, abi.EINVAL
		}
	default:
		return 0, abi.EINVAL
	}

	return 0, 0
}

// cpuset_setaffinity(level, which, id, setsize, mask). Only the first 64
// CPUs of the mask are honoured.
func sysCpusetSetAffinity(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		id      = args.Int(2)
		setsize = args[3]
		addr    = args[4]
	)

	if setsize == 0 || setsize > 128 {
		return 0, abi.EINVAL
	}

	target, errno := thread(t, id)
	if errno != 0 {
		return 0, errno
	}

	n := setsize
	if n > 8 {
		n = 8
	}

	raw, err := t.Process.ReadBytes(addr, int(n))
	if err != nil {
		return 0, abi.EFAULT
	}

	var buf [8]byte
	copy(buf[:], raw)

	target.SetAffinity(binary.LittleEndian.Uint64(buf[:]))

	return 0, 0
}

func sysPrivCheck(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	priv := kernel.Privilege(int32(args[0]))

	errno := t.Process.Privileges().Check(priv)
	if errno != 0 {
		l.Trace("privilege-denied", "priv", priv)
	}

	return 0, errno
}

func init() {
	register("exit", sysExit)
	register("getpid", sysGetPid)
	register("thr_self", sysThrSelf)
	register("thr_new", sysThrNew)
	register("thr_exit", sysThrExit)
	register("thr_join", sysThrJoin)
	register("thr_suspend", sysThrSuspend)
	register("thr_resume", sysThrResume)
	register("rtprio_thread", sysRtprioThread)
	register("cpuset_setaffinity", sysCpusetSetAffinity)
	register("priv_check", sysPrivCheck)
}
