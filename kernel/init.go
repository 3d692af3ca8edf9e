package kernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/exec"
	"github.com/bayedieng/obliteration/exec/asm"
	"github.com/bayedieng/obliteration/gpu"
	"github.com/bayedieng/obliteration/loader"
	"github.com/bayedieng/obliteration/memory"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// LaunchConfig describes the process built from an image.
type LaunchConfig struct {
	Name string
	Args []string
	Env  []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Zero values fall back to the kernel options.
	StackSize   uint64
	MemoryLimit uint64
}

// tcbSize is the thread control block at the TLS pointer. Its first word
// points at itself.
const tcbSize = 16

func pageDown(addr uint64) uint64 {
	return addr &^ (memory.PageSize - 1)
}

func pageUp(addr uint64) uint64 {
	return (addr + memory.PageSize - 1) &^ (memory.PageSize - 1)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}

	return (v + align - 1) / align * align
}

// Spawn builds a process from img and starts its primary thread. On error
// nothing stays mapped and no process is registered.
func (k *Kernel) Spawn(ctx context.Context, img *loader.Image, cfg LaunchConfig) (_ *Process, err error) {
	limit := cfg.MemoryLimit
	if limit == 0 {
		limit = k.opts.MemoryLimit
	}

	stackSize := cfg.StackSize
	if stackSize == 0 {
		stackSize = k.opts.StackSize
	}

	name := cfg.Name
	if name == "" {
		name = "guest"
	}

	p := &Process{
		Kernel:     k,
		Name:       name,
		L:          k.L.With("process", name),
		Image:      img,
		Mem:        memory.NewVirtualMemory(k.opts.Host, limit),
		Handles:    NewHandleTable(),
		Input:      NewInputQueue(),
		privileges: k.opts.Privileges.clone(),
		threads:    make(map[int]*Thread),
		done:       make(chan struct{}),
	}

	p.Mem.SetQuiescer(p)

	p.GPU = gpu.NewTranslator(k.opts.Device, p.Mem, k.opts.Shaders, func(d gpu.Diagnostic) {
		k.Diagnostic(p.Pid, 0, "gpu", d.String())
	})

	defer func() {
		if err != nil {
			p.L.Debug("spawn-failed", "error", err)

			p.Handles.CloseAll()
			p.GPU.Close()
			p.Mem.ReleaseAll()
		}
	}()

	err = p.loadSegments(ctx, img)
	if err != nil {
		return nil, err
	}

	err = p.mapSigcode(ctx)
	if err != nil {
		return nil, err
	}

	err = p.openStdio(cfg)
	if err != nil {
		return nil, err
	}

	t, err := p.createThread(ThreadParams{Entry: img.EntryAddress(), StackSize: stackSize})
	if err != nil {
		return nil, err
	}

	block, err := writeExecHeader(p.Mem, t.Regs.GPR[exec.RSP], cfg.Args, cfg.Env)
	if err != nil {
		t.releaseRegions()
		return nil, errors.Wrapf(err, "writing arguments")
	}

	t.Regs.GPR[exec.RDI] = block
	t.Regs.GPR[exec.RSP] = block

	err = t.pushReturn(0)
	if err != nil {
		t.releaseRegions()
		return nil, err
	}

	k.processes.AssignPid(p)

	p.L = k.L.With("pid", p.Pid, "process", name)
	t.L = p.L.With("tid", t.Tid)

	p.mu.Lock()
	p.status = Running
	p.mu.Unlock()

	k.group.Add(p)

	err = p.startThread(t)
	if err != nil {
		// unreachable: nothing can stop a process nobody has seen yet
		panic(err)
	}

	go p.reap()

	p.L.Info("process-spawned",
		"entry", hclog.Fmt("%#x", img.EntryAddress()),
		"segments", len(img.Segments),
		"tid", t.Tid,
	)

	return p, nil
}

func (p *Process) loadSegments(ctx context.Context, img *loader.Image) error {
	for _, seg := range img.Segments {
		start := pageDown(seg.Vaddr)
		end := pageUp(seg.End())

		reg, err := p.Mem.Reserve(start, end-start, memory.ProtRead|memory.ProtWrite, memory.Fixed)
		if err != nil {
			if errors.Cause(err) == memory.ErrRegionConflict || errors.Cause(err) == memory.ErrBadRegionRequest {
				return &loader.LoadError{Kind: loader.SegmentConflict, Index: seg.Index, Err: err}
			}

			return errors.Wrapf(err, "reserving segment #%d", seg.Index)
		}

		reg.Name = fmt.Sprintf("segment#%d", seg.Index)

		err = p.Mem.Commit(reg)
		if err != nil {
			return errors.Wrapf(err, "committing segment #%d", seg.Index)
		}

		err = p.Mem.Write(seg.Vaddr, seg.Data)
		if err != nil {
			return errors.Wrapf(err, "writing segment #%d", seg.Index)
		}

		err = p.Mem.Protect(ctx, reg, seg.Prot)
		if err != nil {
			return errors.Wrapf(err, "protecting segment #%d", seg.Index)
		}

		p.L.Trace("segment-loaded",
			"index", seg.Index,
			"start", hclog.Fmt("%#x", start),
			"size", hclog.Fmt("%#x", end-start),
			"prot", seg.Prot,
		)
	}

	return nil
}

// sigreturnNumber finds the kernel call the signal trampoline makes.
func (k *Kernel) sigreturnNumber() int {
	k.mu.RLock()
	d := k.dispatcher
	k.mu.RUnlock()

	if nd, ok := d.(interface{ Number(name string) (int, bool) }); ok {
		if n, ok := nd.Number("sigreturn"); ok {
			return n
		}
	}

	return abi.DefaultTable.Calls["sigreturn"]
}

// mapSigcode maps the page signal handlers return through.
func (p *Process) mapSigcode(ctx context.Context) error {
	reg, err := p.Mem.Reserve(0, memory.PageSize, memory.ProtRead|memory.ProtWrite, 0)
	if err != nil {
		return err
	}

	reg.Name = "sigcode"

	err = p.Mem.Commit(reg)
	if err != nil {
		return err
	}

	code := asm.New(reg.Start).
		MovImm32(exec.RAX, uint32(p.Kernel.sigreturnNumber())).
		Syscall().
		Ud2().
		MustAssemble()

	err = p.Mem.Write(reg.Start, code)
	if err != nil {
		return err
	}

	err = p.Mem.Protect(ctx, reg, memory.ProtRead|memory.ProtExec)
	if err != nil {
		return err
	}

	p.sigcode = reg.Start

	return nil
}

func (p *Process) openStdio(cfg LaunchConfig) error {
	stdin := cfg.Stdin
	if stdin == nil {
		stdin = bytes.NewReader(nil)
	}

	stdout, stderr := cfg.Stdout, cfg.Stderr
	if stdout == nil {
		stdout = io.Discard
	}

	if stderr == nil {
		stderr = io.Discard
	}

	files := []*File{
		NewFile("stdin", stdin, nil),
		NewFile("stdout", nil, stdout),
		NewFile("stderr", nil, stderr),
	}

	for _, f := range files {
		if _, err := p.Handles.Allocate(f); err != nil {
			return err
		}
	}

	return nil
}

// ThreadParams describes a new thread. A zero StackBase makes the kernel
// allocate a stack of StackSize bytes, and a zero TLSBase a TLS block, both
// released when the thread exits.
type ThreadParams struct {
	Entry uint64
	Arg   uint64

	StackBase uint64
	StackSize uint64
	TLSBase   uint64

	Priority int
}

func (p *Process) createThread(params ThreadParams) (_ *Thread, err error) {
	t := newThread(p, p.Kernel.allocTid())

	defer func() {
		if err != nil {
			t.releaseRegions()
		}
	}()

	top := params.StackBase + params.StackSize

	if params.StackBase == 0 {
		size := params.StackSize
		if size == 0 {
			size = p.Kernel.opts.StackSize
		}

		reg, err := p.Mem.Reserve(0, pageUp(size), memory.ProtRead|memory.ProtWrite, memory.Guard)
		if err != nil {
			return nil, errors.Wrapf(err, "reserving stack")
		}

		t.stack = reg
		reg.Name = fmt.Sprintf("stack:%d", t.Tid)

		err = p.Mem.Commit(reg)
		if err != nil {
			return nil, errors.Wrapf(err, "committing stack")
		}

		top = reg.End()
	}

	if params.TLSBase == 0 {
		err = p.allocTLS(t)
		if err != nil {
			return nil, errors.Wrapf(err, "allocating tls")
		}
	} else {
		t.Regs.FSBase = params.TLSBase
	}

	if params.Priority != 0 {
		err = t.SetPriority(params.Priority)
		if err != nil {
			return nil, err
		}
	}

	t.Regs.RIP = params.Entry
	t.Regs.GPR[exec.RDI] = params.Arg
	t.Regs.GPR[exec.RSP] = top &^ 15

	return t, nil
}

// allocTLS builds the thread's TLS block from the image template with the
// TCB right after it.
func (p *Process) allocTLS(t *Thread) error {
	var (
		data    []byte
		memSize uint64
		align   uint64 = 16
	)

	if p.Image != nil && p.Image.TLS != nil {
		data = p.Image.TLS.Data
		memSize = p.Image.TLS.MemSize

		if p.Image.TLS.Align > align {
			align = p.Image.TLS.Align
		}
	}

	block := alignUp(memSize, align)

	reg, err := p.Mem.Reserve(0, pageUp(block+tcbSize), memory.ProtRead|memory.ProtWrite, 0)
	if err != nil {
		return err
	}

	t.tls = reg
	reg.Name = fmt.Sprintf("tls:%d", t.Tid)

	err = p.Mem.Commit(reg)
	if err != nil {
		return err
	}

	tcb := reg.Start + block

	if len(data) > 0 {
		err = p.Mem.Write(tcb-block, data)
		if err != nil {
			return err
		}
	}

	var self [8]byte
	binary.LittleEndian.PutUint64(self[:], tcb)

	err = p.Mem.Write(tcb, self[:])
	if err != nil {
		return err
	}

	t.Regs.FSBase = tcb

	return nil
}

// pushReturn pushes a return address so the entry function sees the stack
// the calling convention promises.
func (t *Thread) pushReturn(addr uint64) error {
	sp := t.Regs.GPR[exec.RSP] - 8

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr)

	err := t.Process.Mem.Write(sp, buf[:])
	if err != nil {
		return err
	}

	t.Regs.GPR[exec.RSP] = sp

	return nil
}

// releaseRegions frees the stack and TLS of a thread that never ran.
func (t *Thread) releaseRegions() {
	mem := t.Process.Mem

	if t.tls != nil {
		mem.Release(t.tls)
		t.tls = nil
	}

	if t.stack != nil {
		mem.Release(t.stack)
		t.stack = nil
	}
}

// NewThread creates and starts a thread in a running process.
func (p *Process) NewThread(ctx context.Context, params ThreadParams) (*Thread, error) {
	t, err := p.createThread(params)
	if err != nil {
		return nil, err
	}

	err = t.pushReturn(0)
	if err != nil {
		t.releaseRegions()
		return nil, err
	}

	err = p.startThread(t)
	if err != nil {
		t.releaseRegions()
		return nil, err
	}

	p.L.Debug("thread-created", "tid", t.Tid, "entry", hclog.Fmt("%#x", params.Entry))

	return t, nil
}

// writeExecHeader lays out argc, argv, envp and an empty auxv below top and
// returns the address of argc.
func writeExecHeader(mem *memory.VirtualMemory, top uint64, args []string, env []string) (uint64, error) {
	dataStart := 8 + // argc
		(8 * len(args)) + // argv
		8 + // null
		(8 * len(env)) + // envp
		8 + // null
		16 // AT_NULL auxv entry

	total := dataStart

	for _, str := range args {
		total += len(str) + 1
	}

	for _, str := range env {
		total += len(str) + 1
	}

	base := (top - uint64(total)) &^ 15

	buf := make([]byte, total)

	le := binary.LittleEndian

	le.PutUint64(buf, uint64(len(args)))

	nextStr := dataStart

	ptr := buf[8:]
	for _, str := range args {
		le.PutUint64(ptr, base+uint64(nextStr))
		copy(buf[nextStr:], str)
		buf[nextStr+len(str)] = 0
		nextStr += len(str) + 1
		ptr = ptr[8:]
	}
	le.PutUint64(ptr, 0) // null after argv
	ptr = ptr[8:]

	for _, str := range env {
		le.PutUint64(ptr, base+uint64(nextStr))
		copy(buf[nextStr:], str)
		buf[nextStr+len(str)] = 0
		nextStr += len(str) + 1
		ptr = ptr[8:]
	}

	le.PutUint64(ptr, 0) // null after envp
	ptr = ptr[8:]
	le.PutUint64(ptr, 0) // AT_NULL
	ptr = ptr[8:]
	le.PutUint64(ptr, 0)

	err := mem.Write(base, buf)
	if err != nil {
		return 0, err
	}

	return base, nil
}
