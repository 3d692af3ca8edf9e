package syscalls

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/exec"
	"github.com/bayedieng/obliteration/exec/asm"
	"github.com/bayedieng/obliteration/kernel"
	"github.com/bayedieng/obliteration/loader"
	"github.com/bayedieng/obliteration/loader/imagetest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	textBase = 0x400000
	dataBase = 0x800000
	dataSize = 0x4000
)

func call(name string) uint32 {
	return uint32(abi.DefaultTable.Calls[name])
}

// exit ends the guest with the value in reg as exit code.
func exit(b *asm.Builder, reg int) *asm.Builder {
	if reg != exec.RDI {
		b.Mov(exec.RDI, reg)
	}

	return b.MovImm32(exec.RAX, call("exit")).Syscall().Ud2()
}

type guest struct {
	k      *kernel.Kernel
	stdout bytes.Buffer
	events []kernel.Event
}

func newGuest(t *testing.T) *guest {
	k, err := kernel.NewKernel(kernel.Options{})
	require.NoError(t, err)

	d, err := NewDispatcher(k, nil)
	require.NoError(t, err)

	k.SetDispatcher(d)

	return &guest{k: k}
}

// run executes the program built by b with data mapped writable at
// dataBase and returns how it ended.
func (g *guest) run(t *testing.T, b *asm.Builder, data []byte) kernel.ExitStatus {
	raw := imagetest.Text(textBase, b.MustAssemble()).Data(dataBase, data, dataSize).Bytes()

	img, err := loader.Parse(bytes.NewReader(raw))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := g.k.Spawn(ctx, img, kernel.LaunchConfig{Name: t.Name(), Stdout: &g.stdout})
	require.NoError(t, err)

	status, err := p.Wait(ctx)
	require.NoError(t, err)

	for {
		select {
		case ev := <-g.k.Events():
			g.events = append(g.events, ev)
			continue
		default:
		}

		break
	}

	_, err = g.k.Reap(ctx, false)
	require.NoError(t, err)

	return status
}

func TestDispatcher(t *testing.T) {
	t.Run("numbers calls from the table", func(t *testing.T) {
		d, err := NewDispatcher(nil, nil)
		require.NoError(t, err)

		n, ok := d.Number("sigreturn")
		require.True(t, ok)
		assert.Equal(t, abi.DefaultTable.Calls["sigreturn"], n)

		ent, ok := d.Lookup(uint64(abi.DefaultTable.Calls["write"]))
		require.True(t, ok)
		assert.Equal(t, "write", ent.Name)

		_, ok = d.Lookup(abi.MaxSyscall + 5)
		assert.False(t, ok)
	})

	t.Run("honours a replacement table", func(t *testing.T) {
		d, err := NewDispatcher(nil, &abi.Table{
			Version: "test",
			Calls:   map[string]int{"write": 7, "made_up": 8},
		})
		require.NoError(t, err)

		ent, ok := d.Lookup(7)
		require.True(t, ok)
		assert.Equal(t, "write", ent.Name)

		_, ok = d.Lookup(8)
		assert.False(t, ok)
	})

	t.Run("rejects a broken table", func(t *testing.T) {
		_, err := NewDispatcher(nil, &abi.Table{
			Version: "test",
			Calls:   map[string]int{"read": 3, "write": 3},
		})
		assert.Equal(t, abi.ErrDuplicateNumber, errors.Cause(err))
	})

	t.Run("every default call is implemented", func(t *testing.T) {
		impl := map[string]bool{}
		for _, name := range Implemented() {
			impl[name] = true
		}

		for _, name := range abi.DefaultTable.Names() {
			assert.True(t, impl[name], name)
		}
	})
}

func TestTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(-1), timeout(Infinite))
	assert.Equal(t, time.Duration(0), timeout(0))
	assert.Equal(t, 1500*time.Microsecond, timeout(1500))
}

func TestGuestCalls(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("write returns the length and the host sees the bytes", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase).
			MovImm32(exec.RAX, call("write")).
			MovImm32(exec.RDI, 1).
			MovImm(exec.RSI, dataBase).
			MovImm32(exec.RDX, 6).
			Syscall()

		status := g.run(t, exit(b, exec.RAX), []byte("hello\n"))

		assert.Equal(t, kernel.ExitStatus{Code: 6}, status)
		assert.Equal(t, "hello\n", g.stdout.String())
	})

	t.Run("bad pointers are EFAULT", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase).
			MovImm32(exec.RAX, call("write")).
			MovImm32(exec.RDI, 1).
			MovImm32(exec.RSI, 0x10).
			MovImm32(exec.RDX, 6).
			Syscall()

		status := g.run(t, exit(b, exec.RAX), nil)

		assert.Equal(t, int(abi.EFAULT), status.Code)
		assert.Empty(t, g.stdout.String())
	})

	t.Run("unknown calls are ENOSYS with a diagnostic", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase).
			MovImm32(exec.RAX, 999).
			Syscall()

		status := g.run(t, exit(b, exec.RAX), nil)

		assert.Equal(t, int(abi.ENOSYS), status.Code)

		require.NotEmpty(t, g.events)
		assert.Equal(t, kernel.EventDiagnostic, g.events[0].Kind)
		assert.Equal(t, "syscall", g.events[0].Feature)
		assert.Contains(t, g.events[0].Message, "999")

		last := g.events[len(g.events)-1]
		assert.Equal(t, kernel.EventExit, last.Kind)
	})

	t.Run("the exit survives a flood of diagnostics", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase)
		again := b.NewLabel()

		b.MovImm32(exec.R12, 2000).
			Bind(again).
			MovImm32(exec.RAX, 999).
			Syscall().
			SubImm(exec.R12, 1).
			Jcc(asm.CondNE, again).
			MovImm32(exec.RDI, 3)
		exit(b, exec.RDI)

		status := g.run(t, b, nil)
		assert.Equal(t, kernel.ExitStatus{Code: 3}, status)

		require.NotEmpty(t, g.events)

		last := g.events[len(g.events)-1]
		assert.Equal(t, kernel.EventExit, last.Kind)
		assert.Equal(t, 3, last.Code)
		assert.NotZero(t, g.k.Dropped())
	})

	t.Run("a bad handle is EBADF", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase).
			MovImm32(exec.RAX, call("close")).
			MovImm32(exec.RDI, 77).
			Syscall()

		status := g.run(t, exit(b, exec.RAX), nil)

		assert.Equal(t, int(abi.EBADF), status.Code)
	})

	t.Run("a fault reaches the registered handler", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase)
		handler := b.NewLabel()

		b.Lea(exec.RBX, handler).
			MovImm(exec.RSI, dataBase).
			Store(exec.RSI, 0, exec.RBX).
			MovImm32(exec.RAX, call("sigaction")).
			MovImm32(exec.RDI, uint32(abi.SIGSEGV)).
			Xor(exec.RDX, exec.RDX).
			Syscall().
			MovImm32(exec.RBX, 0x10).
			Load(exec.RBP, exec.RBX, 0).
			Ud2()

		// exit(signo + fault address)
		b.Bind(handler).Add(exec.RSI, exec.RDI)
		exit(b, exec.RSI)

		status := g.run(t, b, make([]byte, 64))

		assert.Equal(t, kernel.ExitStatus{Code: int(abi.SIGSEGV) + 0x10}, status)
	})

	t.Run("an unhandled fault crashes the process", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase).
			MovImm32(exec.RBX, 0x10).
			Load(exec.RBP, exec.RBX, 0).
			Ud2()

		status := g.run(t, b, nil)

		assert.Equal(t, abi.SIGSEGV, status.Signo)

		var crashed bool
		for _, ev := range g.events {
			if ev.Kind == kernel.EventCrash {
				crashed = true
				assert.Equal(t, abi.SIGSEGV, ev.Signal)
			}
		}

		assert.True(t, crashed)
	})

	t.Run("self locking a plain mutex is EDEADLK", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase).
			MovImm32(exec.RAX, call("mutex_create")).
			Xor(exec.RDI, exec.RDI).
			Syscall().
			Mov(exec.RBX, exec.RAX)

		for i := 0; i < 2; i++ {
			b.MovImm32(exec.RAX, call("mutex_lock")).
				Mov(exec.RDI, exec.RBX).
				MovImm(exec.RSI, Infinite).
				Syscall()
		}

		status := g.run(t, exit(b, exec.RAX), nil)

		assert.Equal(t, int(abi.EDEADLK), status.Code)
	})

	t.Run("anonymous mappings are usable", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase).
			MovImm32(exec.RAX, call("mmap")).
			Xor(exec.RDI, exec.RDI).
			MovImm32(exec.RSI, 0x4000).
			MovImm32(exec.RDX, abi.PROT_READ|abi.PROT_WRITE).
			MovImm32(exec.R10, abi.MAP_ANON|abi.MAP_PRIVATE).
			MovImm(exec.R8, ^uint64(0)).
			Xor(exec.R9, exec.R9).
			Syscall().
			Mov(exec.RBX, exec.RAX).
			MovImm32(exec.RSI, 42).
			Store(exec.RBX, 0x100, exec.RSI).
			Load(exec.RBP, exec.RBX, 0x100)

		status := g.run(t, exit(b, exec.RBP), nil)

		assert.Equal(t, kernel.ExitStatus{Code: 42}, status)
	})

	t.Run("threads run and can be joined", func(t *testing.T) {
		g := newGuest(t)

		const (
			paramAt  = dataBase
			resultAt = dataBase + 0x100
			tidAt    = dataBase + 0x200
		)

		data := make([]byte, 0x300)
		le := binary.LittleEndian
		le.PutUint64(data[8:], resultAt) // arg
		le.PutUint64(data[24:], 0x10000) // stack size
		le.PutUint64(data[48:], tidAt)   // child tid

		b := asm.New(textBase)
		child := b.NewLabel()

		b.Lea(exec.RBX, child).
			MovImm(exec.RSI, paramAt).
			Store(exec.RSI, 0, exec.RBX).
			MovImm32(exec.RAX, call("thr_new")).
			MovImm(exec.RDI, paramAt).
			MovImm32(exec.RSI, 104).
			Syscall().
			MovImm(exec.RBX, tidAt).
			Load(exec.RDI, exec.RBX, 0).
			MovImm32(exec.RAX, call("thr_join")).
			MovImm(exec.RSI, Infinite).
			Syscall().
			MovImm(exec.RBX, resultAt).
			Load(exec.RBP, exec.RBX, 0)
		exit(b, exec.RBP)

		b.Bind(child).
			MovImm32(exec.RSI, 7).
			Store(exec.RDI, 0, exec.RSI).
			MovImm32(exec.RAX, call("thr_exit")).
			Xor(exec.RDI, exec.RDI).
			Syscall().
			Ud2()

		status := g.run(t, b, data)

		assert.Equal(t, kernel.ExitStatus{Code: 7}, status)
	})

	t.Run("a thread that already exited can be joined once", func(t *testing.T) {
		g := newGuest(t)

		const (
			paramAt  = dataBase
			resultAt = dataBase + 0x100
			tidAt    = dataBase + 0x200
			sleepAt  = dataBase + 0x280
		)

		data := make([]byte, 0x300)
		le := binary.LittleEndian
		le.PutUint64(data[8:], resultAt)
		le.PutUint64(data[24:], 0x10000)
		le.PutUint64(data[48:], tidAt)
		le.PutUint64(data[0x288:], uint64(100*time.Millisecond))

		b := asm.New(textBase)
		child := b.NewLabel()
		spin := b.NewLabel()

		b.Lea(exec.RBX, child).
			MovImm(exec.RSI, paramAt).
			Store(exec.RSI, 0, exec.RBX).
			MovImm32(exec.RAX, call("thr_new")).
			MovImm(exec.RDI, paramAt).
			MovImm32(exec.RSI, 104).
			Syscall().
			MovImm(exec.RBX, resultAt)

		// wait for the child's store, then give it time to finish exiting
		b.Bind(spin).
			Load(exec.RBP, exec.RBX, 0).
			CmpImm(exec.RBP, 0).
			Jcc(asm.CondE, spin).
			MovImm32(exec.RAX, call("nanosleep")).
			MovImm(exec.RDI, sleepAt).
			Xor(exec.RSI, exec.RSI).
			Syscall()

		// exit(first join + second join)
		for i := 0; i < 2; i++ {
			b.MovImm(exec.RBX, tidAt).
				Load(exec.RDI, exec.RBX, 0).
				MovImm32(exec.RAX, call("thr_join")).
				MovImm(exec.RSI, Infinite).
				Syscall()

			if i == 0 {
				b.Mov(exec.R12, exec.RAX)
			}
		}

		b.Add(exec.RAX, exec.R12)
		exit(b, exec.RAX)

		b.Bind(child).
			MovImm32(exec.RSI, 7).
			Store(exec.RDI, 0, exec.RSI).
			MovImm32(exec.RAX, call("thr_exit")).
			Xor(exec.RDI, exec.RDI).
			Syscall().
			Ud2()

		status := g.run(t, b, data)

		assert.Equal(t, kernel.ExitStatus{Code: int(abi.ESRCH)}, status)
	})

	// mapRW leaves a fresh read/write mapping of size bytes in dst.
	mapRW := func(b *asm.Builder, dst int, size uint32) {
		b.MovImm32(exec.RAX, call("mmap")).
			Xor(exec.RDI, exec.RDI).
			MovImm32(exec.RSI, size).
			MovImm32(exec.RDX, abi.PROT_READ|abi.PROT_WRITE).
			MovImm32(exec.R10, abi.MAP_ANON|abi.MAP_PRIVATE).
			MovImm(exec.R8, ^uint64(0)).
			Xor(exec.R9, exec.R9).
			Syscall().
			Mov(dst, exec.RAX)
	}

	// spawn starts child with the value in arg as its argument.
	spawn := func(b *asm.Builder, child asm.Label, arg int) {
		b.MovImm(exec.RSI, dataBase).
			Store(exec.RSI, 8, arg).
			Lea(exec.RDX, child).
			Store(exec.RSI, 0, exec.RDX).
			MovImm32(exec.RAX, call("thr_new")).
			MovImm(exec.RDI, dataBase).
			MovImm32(exec.RSI, 104).
			Syscall()
	}

	threadParams := func() []byte {
		data := make([]byte, 0x300)
		binary.LittleEndian.PutUint64(data[24:], 0x10000)
		binary.LittleEndian.PutUint64(data[48:], dataBase+0x200)

		return data
	}

	t.Run("mprotect stops a thread reading the page", func(t *testing.T) {
		g := newGuest(t)

		b := asm.New(textBase)
		child := b.NewLabel()
		spin := b.NewLabel()
		failed := b.NewLabel()
		idle := b.NewLabel()

		mapRW(b, exec.RBX, 0x4000)
		spawn(b, child, exec.RBX)

		// wait until the child is reading the page
		b.Bind(spin).
			Load(exec.RBP, exec.RBX, 0).
			CmpImm(exec.RBP, 0).
			Jcc(asm.CondE, spin).
			MovImm32(exec.RAX, call("mprotect")).
			Mov(exec.RDI, exec.RBX).
			MovImm32(exec.RSI, 0x4000).
			MovImm32(exec.RDX, abi.PROT_NONE).
			Syscall().
			CmpImm(exec.RAX, 0).
			Jcc(asm.CondNE, failed)

		b.Bind(idle).Nop().Jmp(idle)

		b.Bind(failed)
		exit(b, exec.RAX)

		loop := b.NewLabel()

		b.Bind(child).
			Mov(exec.R13, exec.RDI).
			MovImm32(exec.RSI, 1).
			Store(exec.R13, 0, exec.RSI).
			Bind(loop).
			Load(exec.RAX, exec.R13, 0).
			Jmp(loop)

		status := g.run(t, b, threadParams())

		assert.Equal(t, kernel.ExitStatus{Signo: abi.SIGSEGV}, status)

		var crashes int
		for _, ev := range g.events {
			if ev.Kind == kernel.EventCrash {
				crashes++
				assert.Equal(t, abi.SIGSEGV, ev.Signal)
			}
		}

		assert.Equal(t, 1, crashes)
	})

	t.Run("threads changing protection at once both finish", func(t *testing.T) {
		g := newGuest(t)

		const rounds = 64

		// flip toggles the page at base between read only and read/write
		flip := func(b *asm.Builder, base int) {
			for _, prot := range []uint32{abi.PROT_READ, abi.PROT_READ | abi.PROT_WRITE} {
				b.MovImm32(exec.RAX, call("mprotect")).
					Mov(exec.RDI, base).
					MovImm32(exec.RSI, 0x4000).
					MovImm32(exec.RDX, prot).
					Syscall()
			}
		}

		b := asm.New(textBase)
		child := b.NewLabel()
		again := b.NewLabel()

		mapRW(b, exec.RBX, 0x8000)
		spawn(b, child, exec.RBX)

		b.MovImm32(exec.R12, rounds).
			Mov(exec.R14, exec.RBX).
			AddImm(exec.R14, 0x4000).
			Bind(again)
		flip(b, exec.R14)
		b.SubImm(exec.R12, 1).
			Jcc(asm.CondNE, again).
			MovImm(exec.RSI, dataBase+0x200).
			Load(exec.RDI, exec.RSI, 0).
			MovImm32(exec.RAX, call("thr_join")).
			MovImm(exec.RSI, Infinite).
			Syscall().
			Mov(exec.RBP, exec.RAX).
			// both pages are writable again
			MovImm32(exec.RSI, 5).
			Store(exec.R14, 0, exec.RSI).
			Load(exec.RDX, exec.RBX, 0).
			Add(exec.RBP, exec.RDX)
		exit(b, exec.RBP)

		loop := b.NewLabel()

		b.Bind(child).
			Mov(exec.R13, exec.RDI).
			MovImm32(exec.R12, rounds).
			Bind(loop)
		flip(b, exec.R13)
		b.SubImm(exec.R12, 1).
			Jcc(asm.CondNE, loop).
			MovImm32(exec.RSI, 2).
			Store(exec.R13, 0, exec.RSI).
			MovImm32(exec.RAX, call("thr_exit")).
			Xor(exec.RDI, exec.RDI).
			Syscall().
			Ud2()

		status := g.run(t, b, threadParams())

		assert.Equal(t, kernel.ExitStatus{Code: 2}, status)
	})

	t.Run("pipes carry data between handles", func(t *testing.T) {
		g := newGuest(t)

		const (
			fdsAt = dataBase
			msgAt = dataBase + 0x10
			bufAt = dataBase + 0x100
		)

		data := make([]byte, 0x200)
		copy(data[0x10:], "ping")

		b := asm.New(textBase).
			MovImm32(exec.RAX, call("pipe")).
			MovImm(exec.RDI, fdsAt).
			Syscall().
			MovImm(exec.RBX, fdsAt).
			// write end; only the low 32 bits name the handle
			Load(exec.RDI, exec.RBX, 4).
			MovImm32(exec.RAX, call("write")).
			MovImm(exec.RSI, msgAt).
			MovImm32(exec.RDX, 4).
			Syscall().
			// read end
			Load(exec.RDI, exec.RBX, 0).
			MovImm32(exec.RAX, call("read")).
			MovImm(exec.RSI, bufAt).
			MovImm32(exec.RDX, 16).
			Syscall().
			// echo what came out to stdout
			Mov(exec.RDX, exec.RAX).
			MovImm32(exec.RAX, call("write")).
			MovImm32(exec.RDI, 1).
			MovImm(exec.RSI, bufAt).
			Syscall()

		status := g.run(t, exit(b, exec.RAX), data)

		assert.Equal(t, kernel.ExitStatus{Code: 4}, status)
		assert.Equal(t, "ping", g.stdout.String())
	})
}
