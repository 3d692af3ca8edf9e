package exec

import (
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/bayedieng/obliteration/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrPrivileged    = errors.New("privileged instruction")
)

// Interpreter is a portable CPU that decodes and executes the general purpose
// x86-64 integer subset directly against guest memory. Guest pages are never
// mapped executable on the host.
type Interpreter struct {
	L hclog.Logger

	// Trace logs every decoded instruction at trace level.
	Trace bool
}

func NewInterpreter() *Interpreter {
	return &Interpreter{L: log.Named("cpu")}
}

func (in *Interpreter) Run(ctx context.Context, regs *Regs, mem Memory, trap Trap) error {
	m := &machine{regs: regs, mem: mem}

	for {
		err := trap.Checkpoint(ctx, regs)
		if err != nil {
			return err
		}

		if in.Trace {
			in.L.Trace("step", "regs", regs.String())
		}

		syscall, exc := m.step()
		if exc != nil {
			err = trap.Fault(ctx, regs, exc)
			if err != nil {
				return err
			}

			continue
		}

		if syscall {
			err = trap.Syscall(ctx, regs)
			if err != nil {
				return err
			}
		}
	}
}

type operand struct {
	isReg  bool
	reg    int
	addr   uint64
	ripRel bool
}

// machine holds the decode state of the instruction being executed. Register
// and flag updates are applied only after every memory access of the
// instruction has succeeded, so a fault leaves the thread at the faulting
// instruction with its registers intact.
type machine struct {
	regs *Regs
	mem  Memory

	start uint64
	pc    uint64
	rex   byte

	// fs is set by the FS segment override prefix
	fs bool

	branched bool
}

func (m *machine) raise(kind ExceptionKind, err error) {
	panic(&Exception{Kind: kind, RIP: m.start, Err: err})
}

func (m *machine) fetch(n int) []byte {
	var buf [8]byte

	err := m.mem.Fetch(m.pc, buf[:n])
	if err != nil {
		m.raise(MemoryFault, err)
	}

	m.pc += uint64(n)

	return buf[:n]
}

func (m *machine) fetch8() byte {
	return m.fetch(1)[0]
}

func (m *machine) fetch32() uint32 {
	return binary.LittleEndian.Uint32(m.fetch(4))
}

func (m *machine) fetch64() uint64 {
	return binary.LittleEndian.Uint64(m.fetch(8))
}

func (m *machine) simm8() uint64 {
	return uint64(int64(int8(m.fetch8())))
}

func (m *machine) simm32() uint64 {
	return uint64(int64(int32(m.fetch32())))
}

func (m *machine) wide() bool {
	return m.rex&8 != 0
}

func (m *machine) opSize() int {
	if m.wide() {
		return 8
	}

	return 4
}

func (m *machine) modrm() (int, operand) {
	b := m.fetch8()

	mod := b >> 6
	reg := int(b>>3&7) | int(m.rex&4)<<1
	rm := int(b & 7)

	if mod == 3 {
		return reg, operand{isReg: true, reg: rm | int(m.rex&1)<<3}
	}

	var op operand

	switch {
	case rm == 4:
		sib := m.fetch8()

		scale := sib >> 6
		index := int(sib>>3&7) | int(m.rex&2)<<2
		base := int(sib&7) | int(m.rex&1)<<3

		if index != RSP {
			op.addr += m.regs.GPR[index] << scale
		}

		if sib&7 == 5 && mod == 0 {
			op.addr += m.simm32()
		} else {
			op.addr += m.regs.GPR[base]
		}
	case rm == 5 && mod == 0:
		op.ripRel = true
		op.addr = m.simm32()
		return reg, op
	default:
		op.addr = m.regs.GPR[rm|int(m.rex&1)<<3]
	}

	switch mod {
	case 1:
		op.addr += m.simm8()
	case 2:
		op.addr += m.simm32()
	}

	return reg, op
}

// ea finishes a memory operand once the whole instruction, immediates
// included, has been decoded.
func (m *machine) ea(op operand) operand {
	if op.ripRel {
		op.addr += m.pc
		op.ripRel = false
	}

	if m.fs && !op.isReg {
		op.addr += m.regs.FSBase
	}

	return op
}

func (m *machine) readMem(addr uint64, size int) uint64 {
	var buf [8]byte

	err := m.mem.Read(addr, buf[:size])
	if err != nil {
		m.raise(MemoryFault, err)
	}

	return binary.LittleEndian.Uint64(buf[:])
}

func (m *machine) writeMem(addr uint64, size int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)

	err := m.mem.Write(addr, buf[:size])
	if err != nil {
		m.raise(MemoryFault, err)
	}
}

func (m *machine) getReg(reg, size int) uint64 {
	v := m.regs.GPR[reg]

	switch size {
	case 1:
		if m.rex == 0 && reg >= 4 && reg < 8 {
			return m.regs.GPR[reg-4] >> 8 & 0xff
		}
		return v & 0xff
	case 4:
		return v & 0xffffffff
	default:
		return v
	}
}

func (m *machine) setReg(reg, size int, v uint64) {
	switch size {
	case 1:
		if m.rex == 0 && reg >= 4 && reg < 8 {
			r := &m.regs.GPR[reg-4]
			*r = *r&^0xff00 | (v&0xff)<<8
			return
		}
		r := &m.regs.GPR[reg]
		*r = *r&^0xff | v&0xff
	case 4:
		m.regs.GPR[reg] = v & 0xffffffff
	default:
		m.regs.GPR[reg] = v
	}
}

func (m *machine) load(op operand, size int) uint64 {
	if op.isReg {
		return m.getReg(op.reg, size)
	}

	return m.readMem(op.addr, size)
}

func (m *machine) store(op operand, size int, v uint64) {
	if op.isReg {
		m.setReg(op.reg, size, v)
		return
	}

	m.writeMem(op.addr, size, v)
}

func (m *machine) push(v uint64) {
	sp := m.regs.GPR[RSP] - 8
	m.writeMem(sp, 8, v)
	m.regs.GPR[RSP] = sp
}

func (m *machine) pop() uint64 {
	v := m.readMem(m.regs.GPR[RSP], 8)
	m.regs.GPR[RSP] += 8
	return v
}

func (m *machine) jump(target uint64) {
	m.regs.RIP = target
	m.branched = true
}

const (
	aluAdd  = 0
	aluOr   = 1
	aluAnd  = 4
	aluSub  = 5
	aluXor  = 6
	aluCmp  = 7
	aluTest = 8
)

const arithFlags = FlagCF | FlagPF | FlagZF | FlagSF | FlagOF

func sizeMask(size int) (uint64, uint64) {
	if size == 8 {
		return ^uint64(0), 1 << 63
	}

	bitsz := uint(size * 8)

	return 1<<bitsz - 1, 1 << (bitsz - 1)
}

func resultFlags(res, sign uint64) uint64 {
	var f uint64

	if res == 0 {
		f |= FlagZF
	}

	if res&sign != 0 {
		f |= FlagSF
	}

	if bits.OnesCount8(uint8(res))%2 == 0 {
		f |= FlagPF
	}

	return f
}

// alu computes a binary operation and the flags it produces. It reports
// whether the result is written back.
func alu(kind int, a, b uint64, size int) (uint64, uint64, bool) {
	mask, sign := sizeMask(size)

	a &= mask
	b &= mask

	var (
		res   uint64
		flags uint64
	)

	switch kind {
	case aluAdd:
		res = (a + b) & mask
		if res < a {
			flags |= FlagCF
		}
		if (a^res)&(b^res)&sign != 0 {
			flags |= FlagOF
		}
	case aluSub, aluCmp:
		res = (a - b) & mask
		if a < b {
			flags |= FlagCF
		}
		if (a^b)&(a^res)&sign != 0 {
			flags |= FlagOF
		}
	case aluOr:
		res = a | b
	case aluAnd, aluTest:
		res = a & b
	case aluXor:
		res = a ^ b
	default:
		return 0, 0, false
	}

	flags |= resultFlags(res, sign)

	return res, flags, kind != aluCmp && kind != aluTest
}

func (m *machine) setFlags(f uint64) {
	m.regs.RFLAGS = m.regs.RFLAGS&^arithFlags | f
}

func (m *machine) cond(cc byte) bool {
	f := m.regs.RFLAGS

	cf := f&FlagCF != 0
	zf := f&FlagZF != 0
	sf := f&FlagSF != 0
	of := f&FlagOF != 0
	pf := f&FlagPF != 0

	var r bool

	switch cc >> 1 {
	case 0:
		r = of
	case 1:
		r = cf
	case 2:
		r = zf
	case 3:
		r = cf || zf
	case 4:
		r = sf
	case 5:
		r = pf
	case 6:
		r = sf != of
	case 7:
		r = zf || sf != of
	}

	if cc&1 != 0 {
		return !r
	}

	return r
}

func (m *machine) step() (syscall bool, exc *Exception) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Exception)
			if !ok {
				panic(r)
			}

			exc = e
		}
	}()

	m.start = m.regs.RIP
	m.pc = m.start
	m.rex = 0
	m.fs = false
	m.branched = false

	op := m.fetch8()

	if op == 0x64 {
		m.fs = true
		op = m.fetch8()
	}

	if op&0xf0 == 0x40 {
		m.rex = op
		op = m.fetch8()
	}

	size := m.opSize()

	switch {
	case op < 0x40 && op&7 <= 3:
		// add/or/and/sub/xor/cmp in their r/m forms
		kind := int(op >> 3)
		if kind == 2 || kind == 3 {
			m.raise(IllegalInstruction, ErrUnknownOpcode)
		}

		if op&1 == 0 {
			size = 1
		}

		reg, rm := m.modrm()
		rm = m.ea(rm)

		regOp := operand{isReg: true, reg: reg}

		dst, src := rm, regOp
		if op&2 != 0 {
			dst, src = regOp, rm
		}

		res, flags, wb := alu(kind, m.load(dst, size), m.load(src, size), size)
		if wb {
			m.store(dst, size, res)
		}
		m.setFlags(flags)

	case op < 0x40 && op&7 == 5:
		kind := int(op >> 3)
		if kind == 2 || kind == 3 {
			m.raise(IllegalInstruction, ErrUnknownOpcode)
		}

		imm := m.simm32()

		res, flags, wb := alu(kind, m.getReg(RAX, size), imm, size)
		if wb {
			m.setReg(RAX, size, res)
		}
		m.setFlags(flags)

	case op >= 0x50 && op <= 0x57:
		m.push(m.regs.GPR[int(op&7)|int(m.rex&1)<<3])

	case op >= 0x58 && op <= 0x5f:
		reg := int(op&7) | int(m.rex&1)<<3
		v := m.pop()
		m.regs.GPR[reg] = v

	case op == 0x63:
		reg, rm := m.modrm()
		rm = m.ea(rm)

		v := m.load(rm, 4)
		if m.wide() {
			v = uint64(int64(int32(v)))
		}
		m.setReg(reg, size, v)

	case op == 0x68:
		m.push(m.simm32())

	case op == 0x6a:
		m.push(m.simm8())

	case op >= 0x70 && op <= 0x7f:
		rel := m.simm8()
		if m.cond(op & 0xf) {
			m.jump(m.pc + rel)
		}

	case op >= 0x80 && op <= 0x83:
		if op == 0x80 {
			size = 1
		}

		kind, rm := m.modrm()
		kind &= 7
		if kind == 2 || kind == 3 {
			m.raise(IllegalInstruction, ErrUnknownOpcode)
		}

		var imm uint64
		if op == 0x81 {
			imm = m.simm32()
		} else {
			imm = m.simm8()
		}

		rm = m.ea(rm)

		res, flags, wb := alu(kind, m.load(rm, size), imm, size)
		if wb {
			m.store(rm, size, res)
		}
		m.setFlags(flags)

	case op == 0x84 || op == 0x85:
		if op == 0x84 {
			size = 1
		}

		reg, rm := m.modrm()
		rm = m.ea(rm)

		_, flags, _ := alu(aluTest, m.load(rm, size), m.getReg(reg, size), size)
		m.setFlags(flags)

	case op >= 0x88 && op <= 0x8b:
		if op&1 == 0 {
			size = 1
		}

		reg, rm := m.modrm()
		rm = m.ea(rm)

		if op&2 == 0 {
			m.store(rm, size, m.getReg(reg, size))
		} else {
			m.setReg(reg, size, m.load(rm, size))
		}

	case op == 0x8d:
		reg, rm := m.modrm()
		if rm.isReg {
			m.raise(IllegalInstruction, ErrUnknownOpcode)
		}
		// lea ignores segment overrides
		m.fs = false
		rm = m.ea(rm)
		m.setReg(reg, size, rm.addr)

	case op >= 0x90 && op <= 0x97:
		reg := int(op&7) | int(m.rex&1)<<3
		if reg != RAX {
			a, b := m.getReg(RAX, size), m.getReg(reg, size)
			m.setReg(RAX, size, b)
			m.setReg(reg, size, a)
		}

	case op == 0x99:
		if m.wide() {
			m.regs.GPR[RDX] = uint64(int64(m.regs.GPR[RAX]) >> 63)
		} else {
			m.setReg(RDX, 4, uint64(int64(int32(m.regs.GPR[RAX]))>>63))
		}

	case op >= 0xb0 && op <= 0xb7:
		m.setReg(int(op&7)|int(m.rex&1)<<3, 1, uint64(m.fetch8()))

	case op >= 0xb8 && op <= 0xbf:
		reg := int(op&7) | int(m.rex&1)<<3
		if m.wide() {
			m.regs.GPR[reg] = m.fetch64()
		} else {
			m.setReg(reg, 4, uint64(m.fetch32()))
		}

	case op == 0xc1 || op == 0xd1:
		ext, rm := m.modrm()

		count := uint64(1)
		if op == 0xc1 {
			count = uint64(m.fetch8())
		}

		rm = m.ea(rm)
		m.shift(ext&7, rm, size, count)

	case op == 0xc3:
		m.jump(m.pop())

	case op == 0xc6 || op == 0xc7:
		ext, rm := m.modrm()
		if ext&7 != 0 {
			m.raise(IllegalInstruction, ErrUnknownOpcode)
		}

		var imm uint64
		if op == 0xc6 {
			size = 1
			imm = uint64(m.fetch8())
		} else {
			imm = m.simm32()
		}

		rm = m.ea(rm)
		m.store(rm, size, imm)

	case op == 0xcc:
		m.raise(Breakpoint, nil)

	case op == 0xe8:
		rel := m.simm32()
		m.push(m.pc)
		m.jump(m.pc + rel)

	case op == 0xe9:
		rel := m.simm32()
		m.jump(m.pc + rel)

	case op == 0xeb:
		rel := m.simm8()
		m.jump(m.pc + rel)

	case op == 0xf4:
		m.raise(IllegalInstruction, ErrPrivileged)

	case op == 0xf7:
		m.group3(size)

	case op == 0xff:
		ext, rm := m.modrm()
		rm = m.ea(rm)

		switch ext & 7 {
		case 0, 1:
			kind := aluAdd
			if ext&7 == 1 {
				kind = aluSub
			}

			cf := m.regs.RFLAGS & FlagCF

			res, flags, _ := alu(kind, m.load(rm, size), 1, size)
			m.store(rm, size, res)
			m.setFlags(flags&^FlagCF | cf)
		case 2:
			target := m.load(rm, 8)
			m.push(m.pc)
			m.jump(target)
		case 4:
			m.jump(m.load(rm, 8))
		case 6:
			m.push(m.load(rm, 8))
		default:
			m.raise(IllegalInstruction, ErrUnknownOpcode)
		}

	case op == 0x0f:
		return m.twoByte(size), nil

	default:
		m.raise(IllegalInstruction, ErrUnknownOpcode)
	}

	if !m.branched {
		m.regs.RIP = m.pc
	}

	return false, nil
}

func (m *machine) twoByte(size int) bool {
	op := m.fetch8()

	switch {
	case op == 0x05:
		m.regs.GPR[RCX] = m.pc
		m.regs.GPR[R11] = m.regs.RFLAGS
		m.regs.RIP = m.pc
		return true

	case op == 0x0b:
		m.raise(IllegalInstruction, nil)

	case op == 0x1f:
		_, rm := m.modrm()
		m.ea(rm)

	case op >= 0x40 && op <= 0x4f:
		reg, rm := m.modrm()
		rm = m.ea(rm)

		v := m.load(rm, size)
		if m.cond(op & 0xf) {
			m.setReg(reg, size, v)
		} else if size == 4 {
			m.setReg(reg, 4, m.getReg(reg, 4))
		}

	case op >= 0x80 && op <= 0x8f:
		rel := m.simm32()
		if m.cond(op & 0xf) {
			m.jump(m.pc + rel)
		}

	case op >= 0x90 && op <= 0x9f:
		_, rm := m.modrm()
		rm = m.ea(rm)

		var v uint64
		if m.cond(op & 0xf) {
			v = 1
		}
		m.store(rm, 1, v)

	case op == 0xaf:
		reg, rm := m.modrm()
		rm = m.ea(rm)

		a := int64(m.getReg(reg, size))
		b := int64(m.load(rm, size))

		if size == 4 {
			a, b = int64(int32(a)), int64(int32(b))
		}

		hi, lo := bits.Mul64(uint64(a), uint64(b))
		if a < 0 {
			hi -= uint64(b)
		}
		if b < 0 {
			hi -= uint64(a)
		}

		var overflow bool
		if size == 8 {
			overflow = hi != uint64(int64(lo)>>63)
		} else {
			overflow = int64(lo) != int64(int32(lo))
		}

		m.setReg(reg, size, lo)

		var flags uint64
		if overflow {
			flags = FlagCF | FlagOF
		}
		m.regs.RFLAGS = m.regs.RFLAGS&^(FlagCF|FlagOF) | flags

	case op == 0xb6 || op == 0xb7:
		reg, rm := m.modrm()
		rm = m.ea(rm)

		width := 1
		if op == 0xb7 {
			width = 2
		}

		var v uint64
		if width == 1 {
			v = m.load(rm, 1)
		} else if rm.isReg {
			v = m.regs.GPR[rm.reg] & 0xffff
		} else {
			v = m.readMem(rm.addr, 2)
		}

		m.setReg(reg, size, v)

	default:
		m.raise(IllegalInstruction, ErrUnknownOpcode)
	}

	if !m.branched {
		m.regs.RIP = m.pc
	}

	return false
}

func (m *machine) shift(ext int, rm operand, size int, count uint64) {
	mask, sign := sizeMask(size)

	if size == 8 {
		count &= 63
	} else {
		count &= 31
	}

	if count == 0 {
		return
	}

	v := m.load(rm, size)

	var (
		res uint64
		cf  bool
	)

	switch ext {
	case 4, 6:
		res = (v << count) & mask
		cf = (v>>(uint64(size*8)-count))&1 != 0
	case 5:
		res = v >> count
		cf = (v>>(count-1))&1 != 0
	case 7:
		sv := int64(v)
		if size == 4 {
			sv = int64(int32(v))
		}
		res = uint64(sv>>count) & mask
		cf = (sv>>(count-1))&1 != 0
	default:
		m.raise(IllegalInstruction, ErrUnknownOpcode)
	}

	m.store(rm, size, res)

	flags := resultFlags(res, sign)
	if cf {
		flags |= FlagCF
	}

	m.setFlags(flags)
}

func (m *machine) group3(size int) {
	ext, rm := m.modrm()

	switch ext & 7 {
	case 0:
		imm := m.simm32()
		rm = m.ea(rm)

		_, flags, _ := alu(aluTest, m.load(rm, size), imm, size)
		m.setFlags(flags)
	case 2:
		rm = m.ea(rm)
		m.store(rm, size, ^m.load(rm, size))
	case 3:
		rm = m.ea(rm)

		res, flags, _ := alu(aluSub, 0, m.load(rm, size), size)
		m.store(rm, size, res)
		m.setFlags(flags)
	case 4:
		rm = m.ea(rm)

		v := m.load(rm, size)
		if size == 8 {
			hi, lo := bits.Mul64(m.regs.GPR[RAX], v)
			m.regs.GPR[RAX] = lo
			m.regs.GPR[RDX] = hi
		} else {
			p := m.getReg(RAX, 4) * v
			m.setReg(RAX, 4, p&0xffffffff)
			m.setReg(RDX, 4, p>>32)
		}
	case 6:
		rm = m.ea(rm)

		v := m.load(rm, size)
		if v == 0 {
			m.raise(DivideError, nil)
		}

		if size == 8 {
			hi := m.regs.GPR[RDX]
			if hi >= v {
				m.raise(DivideError, nil)
			}

			q, r := bits.Div64(hi, m.regs.GPR[RAX], v)
			m.regs.GPR[RAX] = q
			m.regs.GPR[RDX] = r
		} else {
			n := m.getReg(RDX, 4)<<32 | m.getReg(RAX, 4)
			q := n / v
			if q > 0xffffffff {
				m.raise(DivideError, nil)
			}

			m.setReg(RAX, 4, q)
			m.setReg(RDX, 4, n%v)
		}
	default:
		m.raise(IllegalInstruction, ErrUnknownOpcode)
	}
}
