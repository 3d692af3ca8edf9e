package kernel

import (
	"context"
	"time"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/gpu"
	"github.com/bayedieng/obliteration/memory"
)

// SharedMemory is a host segment the guest can map, possibly several times.
type SharedMemory struct {
	Segment *memory.Segment
}

func NewSharedMemory(host memory.Host, size uint64) (*SharedMemory, error) {
	seg, err := memory.NewSegment(host, size)
	if err != nil {
		return nil, err
	}

	return &SharedMemory{Segment: seg}, nil
}

func (s *SharedMemory) Type() ObjectType {
	return TypeSharedMemory
}

// Destroy drops the handle's reference. Mappings keep the segment alive
// until they are unmapped.
func (s *SharedMemory) Destroy() error {
	return s.Segment.Put()
}

// Map places the segment in the address space of p.
func (s *SharedMemory) Map(p *Process, hint uint64, prot memory.Prot, flags memory.Flags) (*memory.Region, error) {
	reg, err := p.Mem.MapSegment(s.Segment, hint, prot, flags)
	if err != nil {
		return nil, err
	}

	reg.Name = "shm"

	return reg, nil
}

// GpuQueue exposes a GPU command queue through a handle.
type GpuQueue struct {
	Queue *gpu.Queue
}

func (p *Process) NewGpuQueue() (*GpuQueue, error) {
	q, err := p.GPU.NewQueue(p.Kernel.opts.GpuQueueDepth)
	if err != nil {
		return nil, err
	}

	return &GpuQueue{Queue: q}, nil
}

func (g *GpuQueue) Type() ObjectType {
	return TypeGpuQueue
}

// Destroy lets submitted work finish before the queue goes away.
func (g *GpuQueue) Destroy() error {
	g.Queue.Close(false)
	return nil
}

// WaitFence blocks t until the queue fence reaches value.
func (g *GpuQueue) WaitFence(ctx context.Context, t *Thread, value uint64, timeout time.Duration) abi.Errno {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if timeout >= 0 {
		wctx, cancel = context.WithTimeout(wctx, timeout)
		defer cancel()
	}

	t.SetInterrupt(cancel)
	defer t.SetInterrupt(nil)

	t.setState(ThreadBlocked)
	defer t.setState(ThreadRunning)

	err := g.Queue.WaitFence(wctx, value)
	switch {
	case err == nil:
		return 0
	case err == gpu.ErrQueueClosed:
		return abi.EPIPE
	case err == context.DeadlineExceeded:
		return abi.ETIMEDOUT
	default:
		return abi.EINTR
	}
}
