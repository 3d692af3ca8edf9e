// Package shader translates guest GPU shader bytecode into host programs and
// caches the results by content.
package shader

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

type Stage uint8

const (
	StageVertex Stage = iota
	StagePixel
	StageCompute
)

func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StagePixel:
		return "pixel"
	case StageCompute:
		return "compute"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

type Op uint8

const (
	OpEnd    Op = 0x00
	OpMov    Op = 0x01
	OpMovI   Op = 0x02
	OpAdd    Op = 0x03
	OpSub    Op = 0x04
	OpMul    Op = 0x05
	OpMin    Op = 0x06
	OpMax    Op = 0x07
	OpMad    Op = 0x08
	OpLdIn   Op = 0x09
	OpExp    Op = 0x0a
	OpSample Op = 0x0b
	OpRcp    Op = 0x0c
)

var opNames = map[Op]string{
	OpEnd:    "end",
	OpMov:    "mov",
	OpMovI:   "movi",
	OpAdd:    "add",
	OpSub:    "sub",
	OpMul:    "mul",
	OpMin:    "min",
	OpMax:    "max",
	OpMad:    "mad",
	OpLdIn:   "ldin",
	OpExp:    "exp",
	OpSample: "sample",
	OpRcp:    "rcp",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}

	return fmt.Sprintf("op(%#x)", uint8(o))
}

const (
	headerSize = 8
	wordSize   = 8

	// NumRegs is the size of the guest register file.
	NumRegs = 64

	// NumOutputs is how many leading registers hold the shader result.
	NumOutputs = 4
)

var Magic = [4]byte{'G', 'S', 'H', '1'}

var (
	ErrBadHeader = errors.New("bad shader header")
	ErrTruncated = errors.New("shader code is truncated")
	ErrNoEnd     = errors.New("shader has no end instruction")
)

// UnsupportedError reports an instruction the translator cannot express.
// Shaders failing with it are remembered as permanently unsupported.
type UnsupportedError struct {
	Index int
	Op    Op
	What  string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("instruction %d (%s): %s", e.Index, e.Op, e.What)
}

// Inst is one decoded guest instruction.
type Inst struct {
	Op         Op
	Dst        uint8
	Src0, Src1 uint8
	Imm        uint32
}

func (i Inst) String() string {
	return fmt.Sprintf("%s r%d, r%d, r%d, %#x", i.Op, i.Dst, i.Src0, i.Src1, i.Imm)
}

// Module is decoded bytecode.
type Module struct {
	Stage Stage
	Insts []Inst
}

// Encode serialises instructions into guest bytecode. It is the inverse of
// Decode and is used to build shaders for tests and tools.
func Encode(stage Stage, insts []Inst) []byte {
	out := make([]byte, headerSize+wordSize*len(insts))

	copy(out, Magic[:])
	out[4] = byte(stage)

	for i, in := range insts {
		w := out[headerSize+i*wordSize:]
		w[0] = byte(in.Op)
		w[1] = in.Dst
		w[2] = in.Src0
		w[3] = in.Src1
		binary.LittleEndian.PutUint32(w[4:], in.Imm)
	}

	return out
}

func checkReg(idx int, in Inst, regs ...uint8) error {
	for _, r := range regs {
		if r >= NumRegs {
			return &UnsupportedError{Index: idx, Op: in.Op, What: fmt.Sprintf("register r%d out of range", r)}
		}
	}

	return nil
}

// Decode parses guest bytecode up to and including its end instruction.
func Decode(code []byte) (*Module, error) {
	if len(code) < headerSize || [4]byte{code[0], code[1], code[2], code[3]} != Magic {
		return nil, ErrBadHeader
	}

	stage := Stage(code[4])
	if stage > StageCompute {
		return nil, errors.Wrapf(ErrBadHeader, "stage %d", code[4])
	}

	body := code[headerSize:]
	if len(body)%wordSize != 0 {
		return nil, ErrTruncated
	}

	mod := &Module{Stage: stage}

	for i := 0; i < len(body)/wordSize; i++ {
		w := body[i*wordSize:]

		in := Inst{
			Op:   Op(w[0]),
			Dst:  w[1],
			Src0: w[2],
			Src1: w[3],
			Imm:  binary.LittleEndian.Uint32(w[4:]),
		}

		var err error

		switch in.Op {
		case OpEnd:
			return mod, nil
		case OpMov, OpExp, OpRcp:
			err = checkReg(i, in, in.Dst, in.Src0)
		case OpMovI, OpLdIn:
			err = checkReg(i, in, in.Dst)
		case OpAdd, OpSub, OpMul, OpMin, OpMax:
			err = checkReg(i, in, in.Dst, in.Src0, in.Src1)
		case OpMad:
			err = checkReg(i, in, in.Dst, in.Src0, in.Src1, uint8(in.Imm))
			if err == nil && in.Imm > 0xff {
				err = &UnsupportedError{Index: i, Op: in.Op, What: "addend register out of range"}
			}
		case OpSample:
			err = checkReg(i, in, in.Dst, in.Src0, in.Src1)
			if err == nil && in.Imm >= MaxSamplers {
				err = &UnsupportedError{Index: i, Op: in.Op, What: fmt.Sprintf("sampler slot %d", in.Imm)}
			}
		default:
			err = &UnsupportedError{Index: i, Op: in.Op, What: "unknown opcode"}
		}

		if err != nil {
			return nil, err
		}

		mod.Insts = append(mod.Insts, in)
	}

	return nil, ErrNoEnd
}
