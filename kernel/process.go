package kernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/gpu"
	"github.com/bayedieng/obliteration/loader"
	"github.com/bayedieng/obliteration/memory"
	"github.com/bayedieng/obliteration/pkg/ilist"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	ErrProcessExiting = errors.New("process is exiting")
	ErrNoThread       = errors.New("no such thread")
	ErrStringTooLong  = errors.New("guest string too long")
)

type prockey struct{}

func GetTask(ctx context.Context) (*Task, bool) {
	if v := ctx.Value(prockey{}); v != nil {
		return v.(*Task), true
	}

	return nil, false
}

func SetTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, prockey{}, t)
}

// Task is the calling thread as seen by kernel call handlers.
type Task struct {
	*Thread
}

type ProcessStatus int

const (
	Init    ProcessStatus = 0
	Running ProcessStatus = 1
	Exiting ProcessStatus = 2
	Dead    ProcessStatus = 3
)

type ExitStatus struct {
	Code  int
	Signo abi.Signal
}

func (e ExitStatus) Status() int32 {
	return ((int32(e.Code) & 0xff) << 8) | (int32(e.Signo) & 0xff)
}

func (e ExitStatus) String() string {
	if e.Signo != 0 {
		return fmt.Sprintf("signal %d", e.Signo)
	}

	return fmt.Sprintf("code %d", e.Code)
}

type Process struct {
	// Used by the kernel's ProcessGroup. Protected by its mu.
	ilist.Entry

	Kernel  *Kernel
	Pid     int
	Name    string
	L       hclog.Logger
	Image   *loader.Image
	Mem     *memory.VirtualMemory
	Handles *HandleTable
	Signals Signals
	GPU     *gpu.Translator
	Input   *InputQueue

	privileges *Privileges
	sigcode    uint64

	mu         sync.Mutex
	status     ProcessStatus
	exitStatus ExitStatus
	threads    map[int]*Thread
	zombies    map[int]*Thread // exited, not yet joined
	group      errgroup.Group

	done chan struct{}
}

func (p *Process) Status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

func (p *Process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitStatus
}

// Done is closed once the process finished tearing down.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process is gone.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.ExitStatus(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Threads lists the live threads ordered by id.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Tid < out[j].Tid
	})

	return out
}

func (p *Process) Thread(tid int) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.threads[tid]
	return t, ok
}

// startThread registers t and runs it on its own goroutine.
func (p *Process) startThread(t *Thread) error {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.status >= Exiting {
		p.mu.Unlock()
		cancel()
		return ErrProcessExiting
	}

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	p.threads[t.Tid] = t
	p.mu.Unlock()

	p.group.Go(func() error {
		defer cancel()

		t.run(ctx)
		return nil
	})

	return nil
}

// Joinable returns a live thread or one that exited and was not joined yet.
func (p *Process) Joinable(tid int) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.threads[tid]; ok {
		return t, true
	}

	t, ok := p.zombies[tid]
	return t, ok
}

// removeThread moves an exited thread aside until someone joins it.
func (p *Process) removeThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.threads, t.Tid)

	if p.zombies == nil {
		p.zombies = make(map[int]*Thread)
	}

	p.zombies[t.Tid] = t
}

func (p *Process) forgetThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.zombies, t.Tid)
}

// Exit terminates the process with code.
func (p *Process) Exit(code int) {
	p.exit(ExitStatus{Code: code})
}

// Kill terminates the process as if by sig.
func (p *Process) Kill(sig abi.Signal) {
	p.exit(ExitStatus{Signo: sig})
}

// exit records the first exit status and stops every thread. Teardown
// happens in reap once they are all gone.
func (p *Process) exit(status ExitStatus) {
	p.mu.Lock()
	if p.status >= Exiting {
		p.mu.Unlock()
		return
	}

	p.status = Exiting
	p.exitStatus = status

	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()

	p.L.Debug("process-exit", "status", status, "threads", len(threads))

	for _, t := range threads {
		t.kill()
	}
}

// crash ends the process because of sig and reports why.
func (p *Process) crash(sig abi.Signal, reason string) {
	if p.Status() >= Exiting {
		return
	}

	p.L.Warn("process-crash", "signal", sig, "reason", reason)

	p.Kernel.Emit(Event{
		Kind:    EventCrash,
		Pid:     p.Pid,
		Signal:  sig,
		Message: reason,
	})

	p.Kill(sig)
}

// SignalProcess queues sig on the first thread able to take it.
func (p *Process) SignalProcess(sig abi.Signal) error {
	if sig == abi.SIGKILL {
		p.Kill(sig)
		return nil
	}

	for _, t := range p.Threads() {
		if !t.Stopping() {
			return t.Signal(sig)
		}
	}

	return ErrNoThread
}

// reap waits for every thread and releases what the process owns.
func (p *Process) reap() {
	p.group.Wait()

	p.mu.Lock()
	if p.status < Exiting {
		p.status = Exiting
	}
	p.mu.Unlock()

	if err := p.Handles.CloseAll(); err != nil {
		p.L.Warn("error closing handles", "error", err)
	}

	if err := p.GPU.Close(); err != nil {
		p.L.Warn("error releasing gpu state", "error", err)
	}

	if err := p.Mem.ReleaseAll(); err != nil {
		p.L.Warn("error releasing memory", "error", err)
	}

	p.Input.Close()

	p.mu.Lock()
	p.status = Dead
	p.zombies = nil
	status := p.exitStatus
	p.mu.Unlock()

	k := p.Kernel

	k.processes.RemoveProc(p)

	p.L.Debug("process-reaped", "status", status)

	k.Emit(Event{
		Kind:   EventExit,
		Pid:    p.Pid,
		Code:   status.Code,
		Signal: status.Signo,
	})

	close(p.done)

	k.group.ProcessExited(p)
}

// ReadBytes copies n bytes of guest memory.
func (p *Process) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)

	err := p.Mem.Read(addr, buf)
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadCString reads a NUL terminated string of at most max bytes.
func (p *Process) ReadCString(addr uint64, max int) (string, error) {
	var buf bytes.Buffer

	var t [1]byte

	for buf.Len() < max {
		err := p.Mem.Read(addr, t[:])
		if err != nil {
			return "", err
		}

		if t[0] == 0 {
			return buf.String(), nil
		}

		buf.WriteByte(t[0])
		addr++
	}

	return "", ErrStringTooLong
}

type guestReader struct {
	mem  *memory.VirtualMemory
	addr uint64
}

func (r *guestReader) Read(b []byte) (int, error) {
	err := r.mem.Read(r.addr, b)
	if err != nil {
		return 0, err
	}

	r.addr += uint64(len(b))

	return len(b), nil
}

type guestWriter struct {
	mem  *memory.VirtualMemory
	addr uint64
}

func (w *guestWriter) Write(b []byte) (int, error) {
	err := w.mem.Write(w.addr, b)
	if err != nil {
		return 0, err
	}

	w.addr += uint64(len(b))

	return len(b), nil
}

var (
	_ io.Reader = (*guestReader)(nil)
	_ io.Writer = (*guestWriter)(nil)
)

// CopyIn decodes a little endian value from guest memory.
func (p *Process) CopyIn(addr uint64, val interface{}) error {
	return binary.Read(&guestReader{mem: p.Mem, addr: addr}, binary.LittleEndian, val)
}

// CopyOut encodes val into guest memory.
func (p *Process) CopyOut(addr uint64, val interface{}) error {
	var buf bytes.Buffer

	err := binary.Write(&buf, binary.LittleEndian, val)
	if err != nil {
		return err
	}

	_, err = (&guestWriter{mem: p.Mem, addr: addr}).Write(buf.Bytes())

	return err
}

type ProcessManager struct {
	mu        sync.RWMutex
	highWater int
	processes map[int]*Process
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		processes: make(map[int]*Process),
	}
}

func (p *ProcessManager) AssignPid(proc *Process) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 1; i <= p.highWater; i++ {
		if _, ok := p.processes[i]; !ok {
			proc.Pid = i
			p.processes[i] = proc
			return i
		}
	}

	p.highWater++
	pid := p.highWater
	p.processes[pid] = proc
	proc.Pid = pid

	return pid
}

func (p *ProcessManager) RemoveProc(proc *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.processes, proc.Pid)
}

func (p *ProcessManager) Lookup(pid int) (*Process, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	proc, ok := p.processes[pid]
	return proc, ok
}

func (p *ProcessManager) List() []*Process {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Process, 0, len(p.processes))
	for _, proc := range p.processes {
		out = append(out, proc)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Pid < out[j].Pid
	})

	return out
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

func putUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}
