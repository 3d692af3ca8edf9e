package syscalls

import (
	"context"
	"fmt"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/kernel"
	"github.com/bayedieng/obliteration/memory"
	hclog "github.com/hashicorp/go-hclog"
)

const knownProt = abi.PROT_READ | abi.PROT_WRITE | abi.PROT_EXEC

func guestProt(v uint64) (memory.Prot, abi.Errno) {
	if v&^knownProt != 0 {
		return 0, abi.EINVAL
	}

	var prot memory.Prot

	if v&abi.PROT_READ != 0 {
		prot |= memory.ProtRead
	}

	if v&abi.PROT_WRITE != 0 {
		prot |= memory.ProtWrite
	}

	if v&abi.PROT_EXEC != 0 {
		prot |= memory.ProtExec
	}

	return prot, 0
}

func sysMmap(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		addr   = args[0]
		length = args[1]
		flags  = args[3]
	)

	prot, errno := guestProt(args[2])
	if errno != 0 {
		return 0, errno
	}

	if length == 0 {
		return 0, abi.EINVAL
	}

	if flags&abi.MAP_ANON == 0 && flags&abi.MAP_GUARD == 0 {
		t.Process.Kernel.Diagnostic(t.Process.Pid, t.Tid, "mmap",
			fmt.Sprintf("file backed mapping of handle %d", int32(args[4])))
		return 0, abi.ENODEV
	}

	var mflags memory.Flags
	if flags&abi.MAP_FIXED != 0 {
		if addr%memory.PageSize != 0 {
			return 0, abi.EINVAL
		}

		mflags |= memory.Fixed
	}

	mem := t.Process.Mem

	// a guard mapping only holds address space
	if flags&abi.MAP_GUARD != 0 {
		reg, err := mem.Reserve(addr, length, memory.ProtNone, mflags)
		if err != nil {
			return 0, errnoFor(err)
		}

		reg.Name = "guard"

		return reg.Start, 0
	}

	reg, err := mem.Reserve(addr, length, prot, mflags)
	if err != nil {
		return 0, errnoFor(err)
	}

	reg.Name = "mmap"

	err = mem.Commit(reg)
	if err != nil {
		mem.Release(reg)
		return 0, errnoFor(err)
	}

	l.Trace("mmap", "addr", hclog.Fmt("%#x", reg.Start), "size", hclog.Fmt("%#x", reg.Size), "prot", prot)

	return reg.Start, 0
}

func sysMunmap(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		addr   = args[0]
		length = args[1]
	)

	err := t.Process.Mem.Unmap(addr, length)
	if err != nil {
		return 0, errnoFor(err)
	}

	return 0, 0
}

func sysMprotect(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		addr   = args[0]
		length = args[1]
	)

	prot, errno := guestProt(args[2])
	if errno != 0 {
		return 0, errno
	}

	if length == 0 {
		return 0, 0
	}

	err := t.Process.Mem.ProtectRange(ctx, addr, length, prot)
	if err != nil {
		return 0, errnoFor(err)
	}

	return 0, 0
}

func init() {
	register("mmap", sysMmap)
	register("munmap", sysMunmap)
	register("mprotect", sysMprotect)
}
