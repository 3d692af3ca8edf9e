// Package asm emits the x86-64 encodings understood by the interpreter. It
// is used to build small guest programs, such as the signal trampoline and
// test images.
package asm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Condition codes for Jcc.
const (
	CondO  = 0x0
	CondNO = 0x1
	CondB  = 0x2
	CondAE = 0x3
	CondE  = 0x4
	CondNE = 0x5
	CondBE = 0x6
	CondA  = 0x7
	CondS  = 0x8
	CondNS = 0x9
	CondL  = 0xc
	CondGE = 0xd
	CondLE = 0xe
	CondG  = 0xf
)

type Label int

type fixup struct {
	at    int
	label Label
}

// Builder accumulates machine code starting at a fixed guest address.
type Builder struct {
	Base uint64

	buf    []byte
	labels []int
	fixups []fixup
}

func New(base uint64) *Builder {
	return &Builder{Base: base}
}

func (b *Builder) emit(p ...byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

func (b *Builder) imm32(v uint32) *Builder {
	return b.emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (b *Builder) imm64(v uint64) *Builder {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.emit(buf[:]...)
}

func rex(w bool, reg, rm int) byte {
	r := byte(0x40)
	if w {
		r |= 8
	}
	if reg >= 8 {
		r |= 4
	}
	if rm >= 8 {
		r |= 1
	}
	return r
}

func modrm(mod byte, reg, rm int) byte {
	return mod<<6 | byte(reg&7)<<3 | byte(rm&7)
}

// mem encodes [base+disp32].
func (b *Builder) mem(reg, base int, disp int32) *Builder {
	b.emit(modrm(2, reg, base))
	if base&7 == 4 {
		b.emit(0x24)
	}
	return b.imm32(uint32(disp))
}

// PC is the guest address of the next emitted byte.
func (b *Builder) PC() uint64 {
	return b.Base + uint64(len(b.buf))
}

func (b *Builder) Len() int {
	return len(b.buf)
}

func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Bind attaches l to the current position.
func (b *Builder) Bind(l Label) *Builder {
	b.labels[l] = len(b.buf)
	return b
}

// Addr is the guest address a bound label refers to.
func (b *Builder) Addr(l Label) uint64 {
	return b.Base + uint64(b.labels[l])
}

func (b *Builder) rel32(l Label) *Builder {
	b.fixups = append(b.fixups, fixup{at: len(b.buf), label: l})
	return b.imm32(0)
}

func (b *Builder) Nop() *Builder {
	return b.emit(0x90)
}

func (b *Builder) Int3() *Builder {
	return b.emit(0xcc)
}

func (b *Builder) Ud2() *Builder {
	return b.emit(0x0f, 0x0b)
}

func (b *Builder) Syscall() *Builder {
	return b.emit(0x0f, 0x05)
}

func (b *Builder) Ret() *Builder {
	return b.emit(0xc3)
}

// MovImm loads a 64-bit constant.
func (b *Builder) MovImm(reg int, v uint64) *Builder {
	b.emit(rex(true, 0, reg), 0xb8+byte(reg&7))
	return b.imm64(v)
}

// MovImm32 loads a 32-bit constant, zero extended.
func (b *Builder) MovImm32(reg int, v uint32) *Builder {
	if reg >= 8 {
		b.emit(0x41)
	}
	b.emit(0xb8 + byte(reg&7))
	return b.imm32(v)
}

func (b *Builder) Mov(dst, src int) *Builder {
	return b.emit(rex(true, src, dst), 0x89, modrm(3, src, dst))
}

// Load reads 64 bits from [base+disp].
func (b *Builder) Load(dst, base int, disp int32) *Builder {
	b.emit(rex(true, dst, base), 0x8b)
	return b.mem(dst, base, disp)
}

// Store writes 64 bits to [base+disp].
func (b *Builder) Store(base int, disp int32, src int) *Builder {
	b.emit(rex(true, src, base), 0x89)
	return b.mem(src, base, disp)
}

// LoadFS reads 64 bits from fs:[disp], the thread's TLS block.
func (b *Builder) LoadFS(dst int, disp int32) *Builder {
	b.emit(0x64, rex(true, dst, 0), 0x8b, modrm(0, dst, 4), 0x25)
	return b.imm32(uint32(disp))
}

// StoreByte writes the low byte of src to [base+disp].
func (b *Builder) StoreByte(base int, disp int32, src int) *Builder {
	b.emit(rex(false, src, base), 0x88)
	return b.mem(src, base, disp)
}

// Lea loads the address of label l using RIP relative addressing.
func (b *Builder) Lea(dst int, l Label) *Builder {
	b.emit(rex(true, dst, 0), 0x8d, modrm(0, dst, 5))
	return b.rel32(l)
}

func (b *Builder) alu(ext int, reg int, v int32) *Builder {
	return b.emit(rex(true, 0, reg), 0x81, modrm(3, ext, reg)).imm32(uint32(v))
}

func (b *Builder) AddImm(reg int, v int32) *Builder {
	return b.alu(0, reg, v)
}

func (b *Builder) SubImm(reg int, v int32) *Builder {
	return b.alu(5, reg, v)
}

func (b *Builder) CmpImm(reg int, v int32) *Builder {
	return b.alu(7, reg, v)
}

func (b *Builder) Add(dst, src int) *Builder {
	return b.emit(rex(true, src, dst), 0x01, modrm(3, src, dst))
}

func (b *Builder) Sub(dst, src int) *Builder {
	return b.emit(rex(true, src, dst), 0x29, modrm(3, src, dst))
}

func (b *Builder) Cmp(dst, src int) *Builder {
	return b.emit(rex(true, src, dst), 0x39, modrm(3, src, dst))
}

func (b *Builder) Xor(dst, src int) *Builder {
	return b.emit(rex(true, src, dst), 0x31, modrm(3, src, dst))
}

func (b *Builder) Push(reg int) *Builder {
	if reg >= 8 {
		b.emit(0x41)
	}
	return b.emit(0x50 + byte(reg&7))
}

func (b *Builder) Pop(reg int) *Builder {
	if reg >= 8 {
		b.emit(0x41)
	}
	return b.emit(0x58 + byte(reg&7))
}

func (b *Builder) Jmp(l Label) *Builder {
	b.emit(0xe9)
	return b.rel32(l)
}

func (b *Builder) Jcc(cond byte, l Label) *Builder {
	b.emit(0x0f, 0x80+cond)
	return b.rel32(l)
}

func (b *Builder) Call(l Label) *Builder {
	b.emit(0xe8)
	return b.rel32(l)
}

// CallReg calls the address held in reg.
func (b *Builder) CallReg(reg int) *Builder {
	if reg >= 8 {
		b.emit(0x41)
	}
	return b.emit(0xff, modrm(3, 2, reg))
}

// Bytes emits raw data.
func (b *Builder) Bytes(p []byte) *Builder {
	return b.emit(p...)
}

// Assemble resolves labels and returns the code.
func (b *Builder) Assemble() ([]byte, error) {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)

	for _, f := range b.fixups {
		target := b.labels[f.label]
		if target < 0 {
			return nil, errors.Errorf("label %d never bound", f.label)
		}

		rel := int32(target - (f.at + 4))
		binary.LittleEndian.PutUint32(out[f.at:], uint32(rel))
	}

	return out, nil
}

// MustAssemble is Assemble for code known to be well formed.
func (b *Builder) MustAssemble() []byte {
	out, err := b.Assemble()
	if err != nil {
		panic(err)
	}

	return out
}
