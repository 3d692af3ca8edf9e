package syscalls

import (
	"context"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/kernel"
	"github.com/bayedieng/obliteration/memory"
	hclog "github.com/hashicorp/go-hclog"
)

// MaxSharedMemory bounds a single shared memory object.
const MaxSharedMemory = 1 << 30

func sysShmCreate(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	size := args[0]

	if size == 0 || size > MaxSharedMemory {
		return 0, abi.EINVAL
	}

	shm, err := kernel.NewSharedMemory(t.Process.Kernel.Options().Host, size)
	if err != nil {
		return 0, errnoFor(err)
	}

	return allocate(t, shm)
}

// shm_map(handle, addr, prot, flags) returns the mapped address.
func sysShmMap(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		addr  = args[1]
		flags = args[3]
	)

	prot, errno := guestProt(args[2])
	if errno != 0 {
		return 0, errno
	}

	obj, release, errno := lookup(t, args.Handle(0), kernel.TypeSharedMemory)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	var mflags memory.Flags
	if flags&abi.MAP_FIXED != 0 {
		mflags |= memory.Fixed
	}

	reg, err := obj.(*kernel.SharedMemory).Map(t.Process, addr, prot, mflags)
	if err != nil {
		return 0, errnoFor(err)
	}

	return reg.Start, 0
}

func init() {
	register("shm_create", sysShmCreate)
	register("shm_map", sysShmMap)
}
