package exec_test

import (
	"context"
	"testing"

	"github.com/bayedieng/obliteration/exec"
	"github.com/bayedieng/obliteration/exec/asm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	codeBase   = 0x10000
	stackTop   = 0x30000
	memorySize = 0x30000
)

var errOutOfRange = errors.New("out of range")

type flatMemory struct {
	data []byte
}

func (f *flatMemory) slice(addr uint64, n int) ([]byte, error) {
	if addr < codeBase || addr+uint64(n) > codeBase+uint64(len(f.data)) {
		return nil, errors.Wrapf(errOutOfRange, "address %#x", addr)
	}

	off := addr - codeBase

	return f.data[off : off+uint64(n)], nil
}

func (f *flatMemory) Read(addr uint64, p []byte) error {
	s, err := f.slice(addr, len(p))
	if err != nil {
		return err
	}

	copy(p, s)
	return nil
}

func (f *flatMemory) Write(addr uint64, p []byte) error {
	s, err := f.slice(addr, len(p))
	if err != nil {
		return err
	}

	copy(s, p)
	return nil
}

func (f *flatMemory) Fetch(addr uint64, p []byte) error {
	return f.Read(addr, p)
}

var errStop = errors.New("stop")

type recordingTrap struct {
	syscalls []exec.Regs
	faults   []*exec.Exception

	onFault func(regs *exec.Regs, exc *exec.Exception) error

	budget int
}

func (t *recordingTrap) Syscall(ctx context.Context, regs *exec.Regs) error {
	t.syscalls = append(t.syscalls, *regs)

	// rax == 1 ends the program
	if regs.GPR[exec.RAX] == 1 {
		return errStop
	}

	return nil
}

func (t *recordingTrap) Fault(ctx context.Context, regs *exec.Regs, exc *exec.Exception) error {
	t.faults = append(t.faults, exc)

	if t.onFault != nil {
		return t.onFault(regs, exc)
	}

	return exc
}

func (t *recordingTrap) Checkpoint(ctx context.Context, regs *exec.Regs) error {
	t.budget--
	if t.budget < 0 {
		return errors.New("instruction budget exhausted")
	}

	return ctx.Err()
}

func run(t *testing.T, b *asm.Builder, trap *recordingTrap) (*exec.Regs, *flatMemory, error) {
	code, err := b.Assemble()
	require.NoError(t, err)

	mem := &flatMemory{data: make([]byte, memorySize)}
	copy(mem.data, code)

	regs := &exec.Regs{RIP: codeBase, RFLAGS: exec.InitialFlags}
	regs.GPR[exec.RSP] = stackTop

	if trap.budget == 0 {
		trap.budget = 10000
	}

	err = exec.NewInterpreter().Run(context.Background(), regs, mem, trap)

	return regs, mem, err
}

func exit(b *asm.Builder) *asm.Builder {
	return b.MovImm(exec.RAX, 1).Syscall()
}

func TestInterpreterArithmetic(t *testing.T) {
	b := asm.New(codeBase)

	loop := b.NewLabel()

	b.MovImm(exec.RBX, 0).MovImm(exec.RCX, 10)
	b.Bind(loop).Add(exec.RBX, exec.RCX).SubImm(exec.RCX, 1).Jcc(asm.CondNE, loop)
	b.MovImm(exec.RAX, 2).Syscall()
	exit(b)

	var trap recordingTrap

	regs, _, err := run(t, b, &trap)
	require.Equal(t, errStop, err)

	require.Len(t, trap.syscalls, 2)

	first := trap.syscalls[0]
	assert.Equal(t, uint64(55), first.GPR[exec.RBX])
	assert.Equal(t, first.RIP, first.GPR[exec.RCX], "rcx holds the return address")
	assert.Equal(t, first.RFLAGS, first.GPR[exec.R11])
	assert.NotZero(t, first.RFLAGS&exec.FlagZF)

	assert.Equal(t, uint64(55), regs.GPR[exec.RBX])
}

func TestInterpreterCallAndStack(t *testing.T) {
	b := asm.New(codeBase)

	fn := b.NewLabel()

	b.MovImm(exec.RDI, 7).Call(fn).Push(exec.RAX).Pop(exec.R12)
	exit(b)

	b.Bind(fn).Mov(exec.RAX, exec.RDI).Add(exec.RAX, exec.RAX).Ret()

	var trap recordingTrap

	regs, _, err := run(t, b, &trap)
	require.Equal(t, errStop, err)

	assert.Equal(t, uint64(14), regs.GPR[exec.R12])
	assert.Equal(t, uint64(stackTop), regs.GPR[exec.RSP])
}

func TestInterpreterMemory(t *testing.T) {
	b := asm.New(codeBase)

	data := b.NewLabel()

	b.Lea(exec.RSI, data).
		MovImm(exec.RDX, 0x1122334455667788).
		Store(exec.RSI, 8, exec.RDX).
		Load(exec.RBX, exec.RSI, 8).
		MovImm(exec.RCX, 0x41).
		StoreByte(exec.RSI, 0, exec.RCX)
	exit(b)

	b.Bind(data).Bytes(make([]byte, 16))

	var trap recordingTrap

	regs, mem, err := run(t, b, &trap)
	require.Equal(t, errStop, err)

	assert.Equal(t, uint64(0x1122334455667788), regs.GPR[exec.RBX])

	var buf [1]byte
	require.NoError(t, mem.Read(regs.GPR[exec.RSI], buf[:]))
	assert.Equal(t, byte(0x41), buf[0])
}

func TestInterpreterThreadLocal(t *testing.T) {
	b := asm.New(codeBase)

	b.LoadFS(exec.RBX, 8)
	exit(b)

	code, err := b.Assemble()
	require.NoError(t, err)

	mem := &flatMemory{data: make([]byte, memorySize)}
	copy(mem.data, code)

	const tls = 0x20000
	require.NoError(t, mem.Write(tls+8, []byte{0xef, 0xbe, 0xad, 0xde}))

	regs := &exec.Regs{RIP: codeBase, RFLAGS: exec.InitialFlags, FSBase: tls}
	regs.GPR[exec.RSP] = stackTop

	trap := recordingTrap{budget: 100}

	err = exec.NewInterpreter().Run(context.Background(), regs, mem, &trap)
	require.Equal(t, errStop, err)

	assert.Equal(t, uint64(0xdeadbeef), regs.GPR[exec.RBX])
}

func TestInterpreterFaults(t *testing.T) {
	t.Run("memory fault leaves registers intact", func(t *testing.T) {
		b := asm.New(codeBase)

		b.MovImm(exec.RSI, 0xdead0000)
		faulting := b.PC()
		b.Load(exec.RBX, exec.RSI, 0)

		handler := b.NewLabel()
		exit(b)
		b.Bind(handler).MovImm(exec.RBX, 99)
		exit(b)

		handlerAddr := b.Addr(handler)

		var trap recordingTrap

		trap.onFault = func(regs *exec.Regs, exc *exec.Exception) error {
			assert.Equal(t, faulting, regs.RIP)
			assert.Equal(t, uint64(0), regs.GPR[exec.RBX])

			regs.RIP = handlerAddr
			return nil
		}

		regs, _, err := run(t, b, &trap)
		require.Equal(t, errStop, err)

		require.Len(t, trap.faults, 1)
		assert.Equal(t, exec.MemoryFault, trap.faults[0].Kind)
		assert.Equal(t, faulting, trap.faults[0].RIP)
		assert.True(t, errors.Cause(trap.faults[0].Err) == errOutOfRange)

		assert.Equal(t, uint64(99), regs.GPR[exec.RBX])
	})

	t.Run("breakpoint", func(t *testing.T) {
		b := asm.New(codeBase).Nop().Int3()

		var trap recordingTrap

		_, _, err := run(t, b, &trap)

		exc, ok := exec.AsException(err)
		require.True(t, ok)
		assert.Equal(t, exec.Breakpoint, exc.Kind)
		assert.Equal(t, uint64(codeBase+1), exc.RIP)
	})

	t.Run("illegal instruction", func(t *testing.T) {
		b := asm.New(codeBase).Ud2()

		var trap recordingTrap

		_, _, err := run(t, b, &trap)

		exc, ok := exec.AsException(err)
		require.True(t, ok)
		assert.Equal(t, exec.IllegalInstruction, exc.Kind)
	})

	t.Run("divide by zero", func(t *testing.T) {
		// xor ecx, ecx; div rcx
		b := asm.New(codeBase).Xor(exec.RCX, exec.RCX).Bytes([]byte{0x48, 0xf7, 0xf1})

		var trap recordingTrap

		_, _, err := run(t, b, &trap)

		exc, ok := exec.AsException(err)
		require.True(t, ok)
		assert.Equal(t, exec.DivideError, exc.Kind)
	})

	t.Run("running off mapped code", func(t *testing.T) {
		b := asm.New(codeBase).Bytes([]byte{0xe9}).Bytes([]byte{0, 0, 0x10, 0})

		var trap recordingTrap

		_, _, err := run(t, b, &trap)

		exc, ok := exec.AsException(err)
		require.True(t, ok)
		assert.Equal(t, exec.MemoryFault, exc.Kind)
	})
}

func TestInterpreterCheckpoint(t *testing.T) {
	b := asm.New(codeBase)

	loop := b.NewLabel()
	b.Bind(loop).Nop().Jmp(loop)

	trap := recordingTrap{budget: 50}

	_, _, err := run(t, b, &trap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget")
}
