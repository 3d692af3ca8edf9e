package shader

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	// MaxSamplers is the number of texture slots a shader can sample.
	MaxSamplers = 16

	// MaxHostRegs bounds the host register file of an emitted program.
	MaxHostRegs = 255

	programVersion = 1
)

var (
	ErrRegisterPressure = errors.New("too many live values for the host register file")
	ErrBadProgram       = errors.New("malformed host program")
)

var programMagic = [4]byte{'H', 'P', 'R', 'G'}

// Sampler resolves texture reads during Exec.
type Sampler interface {
	Sample(slot int, u, v float32) float32
}

type hostInst struct {
	Kind nodeKind
	Dst  uint8
	A, B uint8
	Imm  uint32
}

// Program is a translated shader in host form. It is immutable and safe to
// execute from many goroutines.
type Program struct {
	Stage   Stage
	NumRegs int
	Inputs  int
	Outputs [NumOutputs]uint8

	code []hostInst
}

func (p *Program) Len() int {
	return len(p.code)
}

// Emit lowers an SSA function onto host registers with a linear scan: a
// register is recycled as soon as the last reader of its value has run.
func Emit(f *Function) (*Program, error) {
	lastUse := make([]int, len(f.Nodes))
	for i := range lastUse {
		lastUse[i] = -1
	}

	for i, n := range f.Nodes {
		for a := 0; a < n.Kind.arity(); a++ {
			lastUse[n.Args[a]] = i
		}
	}

	for _, o := range f.Outputs {
		lastUse[o] = len(f.Nodes)
	}

	p := &Program{Stage: f.Stage}

	var (
		free []uint8
		next int
		loc  = make([]uint8, len(f.Nodes))
	)

	alloc := func() (uint8, error) {
		if n := len(free); n > 0 {
			r := free[n-1]
			free = free[:n-1]
			return r, nil
		}

		if next >= MaxHostRegs {
			return 0, ErrRegisterPressure
		}

		r := uint8(next)
		next++

		return r, nil
	}

	for i, n := range f.Nodes {
		// operands dying here give their registers back before dst is picked
		for a := 0; a < n.Kind.arity(); a++ {
			arg := n.Args[a]
			if lastUse[arg] == i && !argSeen(n, a) {
				free = append(free, loc[arg])
			}
		}

		if lastUse[i] < 0 {
			continue
		}

		dst, err := alloc()
		if err != nil {
			return nil, err
		}

		loc[i] = dst

		hi := hostInst{Kind: n.Kind, Dst: dst}

		switch n.Kind {
		case nodeConst:
			hi.Imm = math.Float32bits(n.Const)
		case nodeInput:
			hi.Imm = n.Index
			if int(n.Index)+1 > p.Inputs {
				p.Inputs = int(n.Index) + 1
			}
		case nodeSample:
			hi.Imm = n.Index
			hi.A = loc[n.Args[0]]
			hi.B = loc[n.Args[1]]
		default:
			hi.A = loc[n.Args[0]]
			if n.Kind.arity() > 1 {
				hi.B = loc[n.Args[1]]
			}
			if n.Kind == nodeMad {
				hi.Imm = uint32(loc[n.Args[2]])
			}
		}

		p.code = append(p.code, hi)
	}

	for i, o := range f.Outputs {
		p.Outputs[i] = loc[o]
	}

	p.NumRegs = next

	return p, nil
}

// argSeen reports whether operand a repeats an earlier operand of n, so a
// dying register is only freed once.
func argSeen(n Node, a int) bool {
	for b := 0; b < a; b++ {
		if n.Args[b] == n.Args[a] {
			return true
		}
	}

	return false
}

// Exec runs the program for one invocation.
func (p *Program) Exec(inputs []float32, s Sampler) [NumOutputs]float32 {
	regs := make([]float32, p.NumRegs)

	for _, in := range p.code {
		var v float32

		switch in.Kind {
		case nodeConst:
			v = math.Float32frombits(in.Imm)
		case nodeInput:
			if int(in.Imm) < len(inputs) {
				v = inputs[in.Imm]
			}
		case nodeSample:
			if s != nil {
				v = s.Sample(int(in.Imm), regs[in.A], regs[in.B])
			}
		case nodeMad:
			v = eval(nodeMad, regs[in.A], regs[in.B], regs[in.Imm])
		default:
			v = eval(in.Kind, regs[in.A], regs[in.B], 0)
		}

		regs[in.Dst] = v
	}

	var out [NumOutputs]float32

	for i, r := range p.Outputs {
		if int(r) < len(regs) {
			out[i] = regs[r]
		}
	}

	return out
}

// Samplers lists the texture slots the program reads.
func (p *Program) Samplers() []int {
	var (
		seen [MaxSamplers]bool
		out  []int
	)

	for _, in := range p.code {
		if in.Kind == nodeSample && !seen[in.Imm] {
			seen[in.Imm] = true
			out = append(out, int(in.Imm))
		}
	}

	return out
}

func (p *Program) MarshalBinary() ([]byte, error) {
	out := make([]byte, 16+8*len(p.code))

	copy(out, programMagic[:])
	out[4] = programVersion
	out[5] = byte(p.Stage)
	out[6] = byte(p.NumRegs)
	out[7] = byte(p.Inputs)
	copy(out[8:12], p.Outputs[:])
	binary.LittleEndian.PutUint32(out[12:], uint32(len(p.code)))

	for i, in := range p.code {
		w := out[16+8*i:]
		w[0] = byte(in.Kind)
		w[1] = in.Dst
		w[2] = in.A
		w[3] = in.B
		binary.LittleEndian.PutUint32(w[4:], in.Imm)
	}

	return out, nil
}

func UnmarshalProgram(data []byte) (*Program, error) {
	if len(data) < 16 || [4]byte{data[0], data[1], data[2], data[3]} != programMagic || data[4] != programVersion {
		return nil, ErrBadProgram
	}

	n := binary.LittleEndian.Uint32(data[12:])
	if uint64(len(data)) != 16+8*uint64(n) {
		return nil, ErrBadProgram
	}

	p := &Program{
		Stage:   Stage(data[5]),
		NumRegs: int(data[6]),
		Inputs:  int(data[7]),
		code:    make([]hostInst, n),
	}

	copy(p.Outputs[:], data[8:12])

	for i := range p.code {
		w := data[16+8*i:]

		in := hostInst{
			Kind: nodeKind(w[0]),
			Dst:  w[1],
			A:    w[2],
			B:    w[3],
			Imm:  binary.LittleEndian.Uint32(w[4:]),
		}

		if in.Kind > nodeSample || int(in.Dst) >= p.NumRegs || int(in.A) >= p.NumRegs || int(in.B) >= p.NumRegs {
			return nil, ErrBadProgram
		}

		if in.Kind == nodeMad && int(in.Imm) >= p.NumRegs {
			return nil, ErrBadProgram
		}

		if in.Kind == nodeSample && in.Imm >= MaxSamplers {
			return nil, ErrBadProgram
		}

		p.code[i] = in
	}

	return p, nil
}

// Translate runs the whole pipeline over guest bytecode.
func Translate(code []byte) (*Program, error) {
	mod, err := Decode(code)
	if err != nil {
		return nil, err
	}

	return Emit(Optimize(Build(mod)))
}
