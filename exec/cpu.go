// Package exec runs guest machine code on behalf of kernel threads.
package exec

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// General purpose register indexes, in x86-64 encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var RegNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagIF uint64 = 1 << 9
	FlagOF uint64 = 1 << 11

	// InitialFlags is the RFLAGS value a new thread starts with.
	InitialFlags uint64 = 0x202
)

// Regs is the user visible register file of a guest thread.
type Regs struct {
	GPR    [16]uint64
	RIP    uint64
	RFLAGS uint64
	FSBase uint64
}

func (r *Regs) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rax=%#x rdi=%#x rsi=%#x rflags=%#x",
		r.RIP, r.GPR[RSP], r.GPR[RAX], r.GPR[RDI], r.GPR[RSI], r.RFLAGS)
}

// Memory is the guest address space as seen by the CPU. Every method
// returns an error for accesses the guest is not allowed to perform.
type Memory interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	Fetch(addr uint64, p []byte) error
}

// Trap receives control whenever guest execution needs the kernel.
type Trap interface {
	// Syscall is invoked after a syscall instruction with RIP already
	// pointing past it. A non-nil error stops the CPU.
	Syscall(ctx context.Context, regs *Regs) error

	// Fault is invoked with RIP at the faulting instruction. Returning nil
	// resumes at whatever RIP the trap left in regs.
	Fault(ctx context.Context, regs *Regs, exc *Exception) error

	// Checkpoint is called between instructions. It may block to suspend
	// the thread and returns an error once the thread must stop.
	Checkpoint(ctx context.Context, regs *Regs) error
}

// CPU executes guest code until the trap stops it.
type CPU interface {
	Run(ctx context.Context, regs *Regs, mem Memory, trap Trap) error
}

type ExceptionKind int

const (
	MemoryFault ExceptionKind = iota
	IllegalInstruction
	Breakpoint
	DivideError
)

func (k ExceptionKind) String() string {
	switch k {
	case MemoryFault:
		return "memory fault"
	case IllegalInstruction:
		return "illegal instruction"
	case Breakpoint:
		return "breakpoint"
	case DivideError:
		return "divide error"
	default:
		return "unknown exception"
	}
}

// Exception is a synchronous fault raised by an instruction.
type Exception struct {
	Kind ExceptionKind
	RIP  uint64
	Err  error
}

func (e *Exception) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at %#x: %s", e.Kind, e.RIP, e.Err)
	}

	return fmt.Sprintf("%s at %#x", e.Kind, e.RIP)
}

func (e *Exception) Cause() error {
	return e.Err
}

func AsException(err error) (*Exception, bool) {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc, true
	}

	return nil, false
}
