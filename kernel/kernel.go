// Package kernel is the guest kernel personality: processes, threads,
// signals and the kernel objects guest code reaches through handles.
package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/config"
	"github.com/bayedieng/obliteration/exec"
	"github.com/bayedieng/obliteration/fs"
	"github.com/bayedieng/obliteration/gpu"
	"github.com/bayedieng/obliteration/log"
	"github.com/bayedieng/obliteration/memory"
	"github.com/bayedieng/obliteration/shader"
	hclog "github.com/hashicorp/go-hclog"
)

// Options configures the host services a kernel runs processes on. Nil
// fields get defaults.
type Options struct {
	Host    memory.Host
	CPU     exec.CPU
	Shaders *shader.Compiler
	Device  gpu.Device

	// Files is the namespace guest paths resolve in. Nil disables open.
	Files *fs.Namespace

	MemoryLimit   uint64
	StackSize     uint64
	GpuQueueDepth int

	Privileges *Privileges
}

// Dispatcher services guest kernel calls. It reads arguments from regs and
// writes the result back into them.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *Task, regs *exec.Regs) error
}

type EventKind int

const (
	EventDiagnostic EventKind = iota
	EventCrash
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventCrash:
		return "crash"
	case EventExit:
		return "exit"
	default:
		return "diagnostic"
	}
}

// Event is reported to the shell asynchronously.
type Event struct {
	Kind EventKind
	Pid  int
	Tid  int

	// Feature names what was unsupported for diagnostics.
	Feature string
	Message string

	Signal abi.Signal
	Code   int
}

const (
	eventBacklog = 1024

	// eventReserve is headroom only exit and crash events may use, so a
	// flood of diagnostics can't hide how a process ended.
	eventReserve = 256
)

func (k EventKind) critical() bool {
	return k == EventExit || k == EventCrash
}

type Kernel struct {
	L hclog.Logger

	opts Options
	cpu  exec.CPU

	processes *ProcessManager
	group     *ProcessGroup

	mu         sync.RWMutex
	dispatcher Dispatcher

	emitMu  sync.Mutex
	events  chan Event
	dropped atomic.Int64
	nextTid atomic.Int64
}

func NewKernel(opts Options) (*Kernel, error) {
	if opts.Host == nil {
		opts.Host = memory.DefaultHost()
	}

	if opts.CPU == nil {
		opts.CPU = exec.NewInterpreter()
	}

	if opts.Device == nil {
		opts.Device = gpu.NewRecorder()
	}

	if opts.Shaders == nil {
		comp, err := shader.NewCompiler(nil)
		if err != nil {
			return nil, err
		}

		opts.Shaders = comp
	}

	if opts.StackSize == 0 {
		opts.StackSize = config.DefaultStackSize
	}

	if opts.GpuQueueDepth <= 0 {
		opts.GpuQueueDepth = config.DefaultGpuQueueDepth
	}

	if opts.Privileges == nil {
		opts.Privileges = DefaultPrivileges()
	}

	k := &Kernel{
		L:         log.Named("kernel"),
		opts:      opts,
		cpu:       opts.CPU,
		processes: NewProcessManager(),
		group:     NewProcessGroup(),
		events:    make(chan Event, eventBacklog+eventReserve),
	}

	k.nextTid.Store(firstTid - 1)

	return k, nil
}

// firstTid keeps thread ids clear of process ids.
const firstTid = 100000

func (k *Kernel) Options() Options {
	return k.opts
}

func (k *Kernel) SetDispatcher(d Dispatcher) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.dispatcher = d
}

func (k *Kernel) dispatch(ctx context.Context, t *Task, regs *exec.Regs) error {
	k.mu.RLock()
	d := k.dispatcher
	k.mu.RUnlock()

	if d == nil {
		regs.GPR[exec.RAX] = uint64(abi.ENOSYS)
		regs.RFLAGS |= exec.FlagCF
		return nil
	}

	return d.Dispatch(ctx, t, regs)
}

// Events delivers diagnostics, crashes and exits.
func (k *Kernel) Events() <-chan Event {
	return k.events
}

// Emit queues ev without blocking. Diagnostics are dropped once the backlog
// is full; exits and crashes still fit in the reserve behind it.
func (k *Kernel) Emit(ev Event) {
	k.emitMu.Lock()
	defer k.emitMu.Unlock()

	if !ev.Kind.critical() && len(k.events) >= eventBacklog {
		k.drop(ev)
		return
	}

	select {
	case k.events <- ev:
	default:
		k.drop(ev)
	}
}

func (k *Kernel) drop(ev Event) {
	n := k.dropped.Add(1)

	if ev.Kind.critical() {
		k.L.Error("event-dropped", "kind", ev.Kind, "pid", ev.Pid, "dropped", n)
		return
	}

	k.L.Debug("event-dropped", "kind", ev.Kind, "pid", ev.Pid, "dropped", n)
}

// Diagnostic reports an unsupported feature the guest tried to use.
func (k *Kernel) Diagnostic(pid, tid int, feature, msg string) {
	k.L.Warn("unsupported-feature", "pid", pid, "tid", tid, "feature", feature, "message", msg)

	k.Emit(Event{
		Kind:    EventDiagnostic,
		Pid:     pid,
		Tid:     tid,
		Feature: feature,
		Message: msg,
	})
}

// Dropped is the number of events lost to a full stream.
func (k *Kernel) Dropped() int64 {
	return k.dropped.Load()
}

func (k *Kernel) Process(pid int) (*Process, bool) {
	return k.processes.Lookup(pid)
}

// Reap returns a process that finished tearing down and forgets it.
func (k *Kernel) Reap(ctx context.Context, block bool) (*Process, error) {
	return k.group.ReapAny(ctx, block)
}

// Shutdown kills every process and waits for their teardown.
func (k *Kernel) Shutdown(ctx context.Context) error {
	procs := k.processes.List()

	for _, p := range procs {
		p.Kill(abi.SIGKILL)
	}

	for _, p := range procs {
		if _, err := p.Wait(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (k *Kernel) allocTid() int {
	return int(k.nextTid.Add(1))
}
