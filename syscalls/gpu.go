package syscalls

import (
	"context"
	"encoding/binary"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// MaxSubmit bounds the dwords of one command buffer.
const MaxSubmit = 1 << 20

func sysGpuQueueCreate(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	q, err := t.Process.NewGpuQueue()
	if err != nil {
		return 0, errnoFor(err)
	}

	return allocate(t, q)
}

func gpuQueue(t *kernel.Task, h kernel.Handle) (*kernel.GpuQueue, func(), abi.Errno) {
	obj, release, errno := lookup(t, h, kernel.TypeGpuQueue)
	if errno != 0 {
		return nil, nil, errno
	}

	return obj.(*kernel.GpuQueue), release, 0
}

// gpu_submit(queue, addr, dwords) copies the command buffer and returns
// before it is applied.
func sysGpuSubmit(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		addr  = args[1]
		count = args[2]
	)

	if count == 0 || count > MaxSubmit {
		return 0, abi.EINVAL
	}

	q, release, errno := gpuQueue(t, args.Handle(0))
	if errno != 0 {
		return 0, errno
	}
	defer release()

	raw, err := t.Process.ReadBytes(addr, int(count)*4)
	if err != nil {
		return 0, abi.EFAULT
	}

	dwords := make([]uint32, count)
	for i := range dwords {
		dwords[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	err = q.Queue.Submit(ctx, dwords)
	if err != nil {
		return 0, errnoFor(err)
	}

	return 0, 0
}

// gpu_fence_wait(queue, value, timeout)
func sysGpuFenceWait(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	q, release, errno := gpuQueue(t, args.Handle(0))
	if errno != 0 {
		return 0, errno
	}
	defer release()

	return 0, q.WaitFence(ctx, t.Thread, args[1], timeout(args[2]))
}

func sysGpuResourceRelease(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	err := t.Process.GPU.Release(uint32(args[0]))
	if err != nil {
		return 0, errnoFor(err)
	}

	return 0, 0
}

func init() {
	register("gpu_queue_create", sysGpuQueueCreate)
	register("gpu_submit", sysGpuSubmit)
	register("gpu_fence_wait", sysGpuFenceWait)
	register("gpu_resource_release", sysGpuResourceRelease)
}
