package syscalls

import (
	"context"
	"io"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/fs"
	"github.com/bayedieng/obliteration/kernel"
	"github.com/bayedieng/obliteration/memory"
	hclog "github.com/hashicorp/go-hclog"
)

// MaxIO caps the bytes moved by one read or write.
const MaxIO = 1 << 20

// MaxPath is the longest path open accepts.
const MaxPath = fs.MaxPath

func file(t *kernel.Task, h kernel.Handle) (*kernel.File, func(), abi.Errno) {
	obj, release, errno := lookup(t, h, kernel.TypeFile)
	if errno != 0 {
		return nil, nil, errno
	}

	return obj.(*kernel.File), release, 0
}

func sysRead(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		fd  = args.Handle(0)
		buf = args[1]
		sz  = args[2]
	)

	f, release, errno := file(t, fd)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	if sz > MaxIO {
		sz = MaxIO
	}

	// don't consume input the guest cannot receive
	if err := t.Process.Mem.Check(buf, sz, memory.AccessWrite); err != nil {
		return 0, abi.EFAULT
	}

	tmp := make([]byte, sz)

	n, errno := f.Read(ctx, t.Thread, tmp)
	if errno != 0 {
		return 0, errno
	}

	err := t.Process.Mem.Write(buf, tmp[:n])
	if err != nil {
		l.Error("error copying data out", "error", err)
		return 0, abi.EFAULT
	}

	return uint64(n), 0
}

func sysWrite(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		fd  = args.Handle(0)
		ptr = args[1]
		sz  = args[2]
	)

	f, release, errno := file(t, fd)
	if errno != 0 {
		return 0, errno
	}
	defer release()

	if sz > MaxIO {
		sz = MaxIO
	}

	data, err := t.Process.ReadBytes(ptr, int(sz))
	if err != nil {
		l.Debug("error reading data from guest", "error", err)
		return 0, abi.EFAULT
	}

	n, errno := f.Write(ctx, t.Thread, data)
	if errno != 0 {
		return 0, errno
	}

	return uint64(n), 0
}

func sysOpen(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	var (
		pathAddr = args[0]
		flags    = fs.OpenFlags(args[1])
	)

	path, err := t.Process.ReadCString(pathAddr, MaxPath)
	if err != nil {
		return 0, errnoFor(err)
	}

	ns := t.Process.Kernel.Options().Files
	if ns == nil {
		return 0, abi.ENOENT
	}

	rwc, err := ns.Open(ctx, path, flags)
	if err != nil {
		l.Debug("open-failed", "path", path, "error", err)
		return 0, errnoFor(err)
	}

	var (
		r io.Reader
		w io.Writer
	)

	switch flags & abi.O_ACCMODE {
	case abi.O_WRONLY:
		w = rwc
	case abi.O_RDWR:
		r, w = rwc, rwc
	default:
		r = rwc
	}

	return allocate(t, kernel.NewFile(path, r, w, rwc))
}

func sysClose(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	fd := args.Handle(0)

	err := t.Process.Handles.Close(fd)
	if err != nil {
		return 0, errnoFor(err)
	}

	return 0, 0
}

func sysDup(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	h, err := t.Process.Handles.Duplicate(args.Handle(0))
	if err != nil {
		return 0, errnoFor(err)
	}

	return uint64(h), 0
}

func sysPipe(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno) {
	addr := args[0]

	if err := t.Process.Mem.Check(addr, 8, memory.AccessWrite); err != nil {
		return 0, abi.EFAULT
	}

	r, w := kernel.NewPipe()

	ht := t.Process.Handles

	rfd, err := ht.Allocate(r)
	if err != nil {
		r.Destroy()
		w.Destroy()
		return 0, errnoFor(err)
	}

	wfd, err := ht.Allocate(w)
	if err != nil {
		ht.Close(rfd)
		w.Destroy()
		return 0, errnoFor(err)
	}

	type pipeBuf struct {
		Read, Write int32
	}

	err = t.Process.CopyOut(addr, pipeBuf{
		Read:  int32(rfd),
		Write: int32(wfd),
	})

	if err != nil {
		l.Error("error writing data to pipe buffer", "error", err)
		ht.Close(rfd)
		ht.Close(wfd)
		return 0, abi.EFAULT
	}

	return 0, 0
}

func init() {
	register("read", sysRead)
	register("write", sysWrite)
	register("open", sysOpen)
	register("close", sysClose)
	register("dup", sysDup)
	register("pipe", sysPipe)
}
