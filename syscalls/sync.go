package syscalls

import (
	"context"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

const mutexRecursive = 1

func sysMutexCreate(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	flags := args[0]

	if flags&^mutexRecursive != 0 {
		return 0, abi.EINVAL
	}

	return allocate(t, kernel.NewMutex(flags&mutexRecursive != 0))
}

// mutex_lock(handle, timeout). A zero timeout only tries.
func sysMutexLock(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	obj, release, errno := lookup(t, args.Handle(0), kernel.TypeMutex)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	m := obj.(*kernel.Mutex)

	if args[1] == 0 {
		return 0, m.TryLock(t.Thread)
	}

	return 0, m.Lock(ctx, t.Thread, timeout(args[1]))
}

func sysMutexUnlock(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	obj, release, errno := lookup(t, args.Handle(0), kernel.TypeMutex)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	return 0, obj.(*kernel.Mutex).Unlock(t.Thread)
}

func sysCondCreate(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	return allocate(t, kernel.NewCondVar())
}

// cond_wait(cond, mutex, timeout)
func sysCondWait(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	cobj, crelease, errno := lookup(t, args.Handle(0), kernel.TypeCondVar)
	if errno != 0 {
		return 0, errno
	}
	defer crelease()

	mobj, mrelease, errno := lookup(t, args.Handle(1), kernel.TypeMutex)
	if errno != 0 {
		return 0, errno
	}
	defer mrelease()

	return 0, cobj.(*kernel.CondVar).Wait(ctx, t.Thread, mobj.(*kernel.Mutex), timeout(args[2]))
}

func sysCondSignal(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	obj, release, errno := lookup(t, args.Handle(0), kernel.TypeCondVar)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	obj.(*kernel.CondVar).Signal()

	return 0, 0
}

func sysCondBroadcast(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	obj, release, errno := lookup(t, args.Handle(0), kernel.TypeCondVar)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	obj.(*kernel.CondVar).Broadcast()

	return 0, 0
}

// event_create(manualReset, initial)
func sysEventCreate(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	return allocate(t, kernel.NewEventFlag(args[0] != 0, args[1] != 0))
}

func event(t *kernel.Task, h kernel.Handle) (*kernel.EventFlag, func(), abi.Errno) {
	obj, release, errno := lookup(t, h, kernel.TypeEvent)
	if errno != 0 {
		return nil, nil, errno
	}

	return obj.(*kernel.EventFlag), release, 0
}

func sysEventSet(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	ev, release, errno := event(t, args.Handle(0))
	if errno != 0 {
		return 0, errno
	}
	defer release()

	ev.Set()

	return 0, 0
}

func sysEventReset(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	ev, release, errno := event(t, args.Handle(0))
	if errno != 0 {
		return 0, errno
	}
	defer release()

	ev.Reset()

	return 0, 0
}

// event_wait(handle, timeout)
func sysEventWait(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	ev, release, errno := event(t, args.Handle(0))
	if errno != 0 {
		return 0, errno
	}
	defer release()

	return 0, ev.Wait(ctx, t.Thread, timeout(args[1]))
}

// sema_create(initial, max)
func sysSemaCreate(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	s, errno := kernel.NewSemaphore(int(int32(args[0])), int(int32(args[1])))
	if errno != 0 {
		return 0, errno
	}

	return allocate(t, s)
}

// sema_wait(handle, count, timeout)
func sysSemaWait(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	obj, release, errno := lookup(t, args.Handle(0), kernel.TypeSemaphore)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	return 0, obj.(*kernel.Semaphore).Wait(ctx, t.Thread, int(int32(args[1])), timeout(args[2]))
}

// sema_signal(handle, count)
func sysSemaSignal(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	obj, release, errno := lookup(t, args.Handle(0), kernel.TypeSemaphore)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	return 0, obj.(*kernel.Semaphore).Signal(int(int32(args[1])))
}

func init() {
	register("mutex_create", sysMutexCreate)
	register("mutex_lock", sysMutexLock)
	register("mutex_unlock", sysMutexUnlock)
	register("cond_create", sysCondCreate)
	register("cond_wait", sysCondWait)
	register("cond_signal", sysCondSignal)
	register("cond_broadcast", sysCondBroadcast)
	register("event_create", sysEventCreate)
	register("event_set", sysEventSet)
	register("event_reset", sysEventReset)
	register("event_wait", sysEventWait)
	register("sema_create", sysSemaCreate)
	register("sema_wait", sysSemaWait)
	register("sema_signal", sysSemaSignal)
}
