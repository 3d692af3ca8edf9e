// Package syscalls implements the guest kernel calls on top of package
// kernel.
package syscalls

import (
	"context"
	"fmt"
	"time"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/exec"
	"github.com/bayedieng/obliteration/fs"
	"github.com/bayedieng/obliteration/gpu"
	"github.com/bayedieng/obliteration/kernel"
	"github.com/bayedieng/obliteration/log"
	"github.com/bayedieng/obliteration/memory"
	"github.com/davecgh/go-spew/spew"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Args are the six argument registers of a kernel call, in calling
// convention order: rdi, rsi, rdx, r10, r8, r9.
type Args [6]uint64

func (a Args) Int(i int) int64 {
	return int64(a[i])
}

func (a Args) Handle(i int) kernel.Handle {
	return kernel.Handle(int32(a[i]))
}

// Handler implements one kernel call. The returned value goes to rax on
// success; a non-zero errno is reported instead.
type Handler func(ctx context.Context, l hclog.Logger, t *kernel.Task, args Args) (uint64, abi.Errno)

// Entry is one slot of the dispatch table.
type Entry struct {
	Name string
	Fn   Handler
}

var handlers = map[string]Handler{}

func register(name string, fn Handler) {
	if _, ok := handlers[name]; ok {
		panic("duplicate kernel call " + name)
	}

	handlers[name] = fn
}

// Implemented lists the call names this package can service.
func Implemented() []string {
	t := abi.Table{Calls: make(map[string]int, len(handlers))}
	for name := range handlers {
		t.Calls[name] = 0
	}

	return t.Names()
}

// Dispatcher routes guest kernel calls by number.
type Dispatcher struct {
	L      hclog.Logger
	Kernel *kernel.Kernel

	table   *abi.Table
	entries [abi.MaxSyscall]*Entry
}

// NewDispatcher numbers the implemented calls with table. Calls the table
// knows but this package does not implement stay unsupported.
func NewDispatcher(k *kernel.Kernel, table *abi.Table) (*Dispatcher, error) {
	if table == nil {
		table = &abi.DefaultTable
	}

	err := table.Validate()
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		L:      log.Named("syscall"),
		Kernel: k,
		table:  table,
	}

	for _, name := range table.Names() {
		fn, ok := handlers[name]
		if !ok {
			d.L.Debug("syscall-unimplemented", "name", name, "number", table.Calls[name])
			continue
		}

		d.entries[table.Calls[name]] = &Entry{Name: name, Fn: fn}
	}

	d.L.Debug("syscall-table", "version", table.Version, "calls", len(table.Calls))

	return d, nil
}

// Number returns the number the table assigns to name.
func (d *Dispatcher) Number(name string) (int, bool) {
	n, ok := d.table.Calls[name]
	return n, ok
}

func (d *Dispatcher) Table() *abi.Table {
	return d.table
}

func (d *Dispatcher) Lookup(num uint64) (*Entry, bool) {
	if num >= abi.MaxSyscall {
		return nil, false
	}

	ent := d.entries[num]

	return ent, ent != nil
}

// Dispatch runs the call selected by rax and writes the result back: rax
// holds the value or errno, CF flags an error and rdx is cleared.
func (d *Dispatcher) Dispatch(ctx context.Context, t *kernel.Task, regs *exec.Regs) error {
	num := regs.GPR[exec.RAX]

	args := Args{
		regs.GPR[exec.RDI],
		regs.GPR[exec.RSI],
		regs.GPR[exec.RDX],
		regs.GPR[exec.R10],
		regs.GPR[exec.R8],
		regs.GPR[exec.R9],
	}

	var (
		ret   uint64
		errno abi.Errno
	)

	ent, ok := d.Lookup(num)
	if !ok {
		d.Kernel.Diagnostic(t.Process.Pid, t.Tid, "syscall", fmt.Sprintf("unknown kernel call %d", num))
		errno = abi.ENOSYS
	} else {
		l := t.L.With("syscall", ent.Name)

		if l.IsTrace() {
			l.Trace("syscall-enter", "args", spew.Sdump(args))
		}

		ret, errno = d.invoke(ctx, l, t, ent, args)

		l.Trace("syscall-exit", "ret", ret, "errno", errno)
	}

	if errno == abi.EJUSTRETURN {
		return nil
	}

	if errno != 0 {
		regs.GPR[exec.RAX] = uint64(errno)
		regs.RFLAGS |= exec.FlagCF
	} else {
		regs.GPR[exec.RAX] = ret
		regs.RFLAGS &^= exec.FlagCF
	}

	regs.GPR[exec.RDX] = 0

	return nil
}

// invoke keeps a misbehaving handler from taking the host down.
func (d *Dispatcher) invoke(ctx context.Context, l hclog.Logger, t *kernel.Task, ent *Entry, args Args) (ret uint64, errno abi.Errno) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("syscall-panic", "panic", r)
			d.Kernel.Diagnostic(t.Process.Pid, t.Tid, "syscall", fmt.Sprintf("%s failed: %v", ent.Name, r))

			ret, errno = 0, abi.EFAULT
		}
	}()

	return ent.Fn(ctx, l, t, args)
}

// errnoFor maps kernel errors onto guest error numbers.
func errnoFor(err error) abi.Errno {
	if err == nil {
		return 0
	}

	if e, ok := errors.Cause(err).(abi.Errno); ok {
		return e
	}

	if _, ok := memory.AsFault(err); ok {
		return abi.EFAULT
	}

	switch errors.Cause(err) {
	case kernel.ErrInvalidHandle, kernel.ErrWrongType:
		return abi.EBADF
	case kernel.ErrTooManyHandles:
		return abi.EMFILE
	case kernel.ErrNoThread, kernel.ErrThreadExited:
		return abi.ESRCH
	case kernel.ErrStringTooLong, fs.ErrNameTooLong:
		return abi.ENAMETOOLONG
	case kernel.ErrProcessExiting:
		return abi.EINTR
	case memory.ErrRegionConflict, memory.ErrBadRegionRequest, memory.ErrInvalidRange:
		return abi.EINVAL
	case memory.ErrMemoryLimit, memory.ErrNoSpace:
		return abi.ENOMEM
	case gpu.ErrUnknownResource:
		return abi.EINVAL
	case gpu.ErrQueueClosed, gpu.ErrClosed:
		return abi.EPIPE
	case fs.ErrUnknownPath:
		return abi.ENOENT
	case fs.ErrNotDirectory:
		return abi.ENOTDIR
	case fs.ErrIsDirectory:
		return abi.EISDIR
	case fs.ErrSymlinkLoop:
		return abi.ELOOP
	case fs.ErrPermission:
		return abi.EACCES
	case fs.ErrExists:
		return abi.EEXIST
	case fs.ErrInvalidArgument:
		return abi.EINVAL
	}

	if memory.IsHostError(err) {
		return abi.ENOMEM
	}

	return abi.EIO
}

// Infinite is the timeout value that never expires.
const Infinite = ^uint64(0)

// timeout converts a guest timeout in microseconds. Values with the sign
// bit set wait forever.
func timeout(us uint64) time.Duration {
	if int64(us) < 0 {
		return -1
	}

	if us > uint64(1<<63-1)/uint64(time.Microsecond) {
		return -1
	}

	return time.Duration(us) * time.Microsecond
}

// lookup resolves h to an object of type typ. The release function must be
// called once the object is no longer used.
func lookup(t *kernel.Task, h kernel.Handle, typ kernel.ObjectType) (kernel.Object, func(), abi.Errno) {
	obj, release, err := t.Process.Handles.LookupType(h, typ)
	if err != nil {
		return nil, nil, abi.EBADF
	}

	return obj, release, 0
}

func allocate(t *kernel.Task, obj kernel.Object) (uint64, abi.Errno) {
	h, err := t.Process.Handles.Allocate(obj)
	if err != nil {
		obj.Destroy()
		return 0, errnoFor(err)
	}

	return uint64(h), 0
}
