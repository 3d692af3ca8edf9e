package shader

import (
	"fmt"
	"math"
	"strings"
)

// Value names the result of a node in a Function.
type Value int32

type nodeKind uint8

const (
	nodeConst nodeKind = iota
	nodeInput
	nodeAdd
	nodeSub
	nodeMul
	nodeMin
	nodeMax
	nodeMad
	nodeExp
	nodeRcp
	nodeSample
)

var nodeNames = [...]string{
	nodeConst:  "const",
	nodeInput:  "input",
	nodeAdd:    "add",
	nodeSub:    "sub",
	nodeMul:    "mul",
	nodeMin:    "min",
	nodeMax:    "max",
	nodeMad:    "mad",
	nodeExp:    "exp",
	nodeRcp:    "rcp",
	nodeSample: "sample",
}

func (k nodeKind) arity() int {
	switch k {
	case nodeConst, nodeInput:
		return 0
	case nodeExp, nodeRcp:
		return 1
	case nodeMad:
		return 3
	default:
		return 2
	}
}

// pure nodes can be evaluated at translation time once their operands are
// known.
func (k nodeKind) pure() bool {
	return k != nodeInput && k != nodeSample
}

// Node is one SSA operation. Every node defines exactly one value, its own
// index.
type Node struct {
	Kind  nodeKind
	Args  [3]Value
	Const float32
	Index uint32
}

// Function is the SSA form of a shader. Registers have been renamed away:
// every guest register write produced a fresh value.
type Function struct {
	Stage   Stage
	Nodes   []Node
	Outputs [NumOutputs]Value
}

func (f *Function) String() string {
	var sb strings.Builder

	for i, n := range f.Nodes {
		fmt.Fprintf(&sb, "v%d = %s", i, nodeNames[n.Kind])

		switch n.Kind {
		case nodeConst:
			fmt.Fprintf(&sb, " %g", n.Const)
		case nodeInput, nodeSample:
			fmt.Fprintf(&sb, " #%d", n.Index)
		}

		for a := 0; a < n.Kind.arity(); a++ {
			fmt.Fprintf(&sb, " v%d", n.Args[a])
		}

		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "out %v\n", f.Outputs)

	return sb.String()
}

func (f *Function) add(n Node) Value {
	f.Nodes = append(f.Nodes, n)
	return Value(len(f.Nodes) - 1)
}

var binaryKinds = map[Op]nodeKind{
	OpAdd: nodeAdd,
	OpSub: nodeSub,
	OpMul: nodeMul,
	OpMin: nodeMin,
	OpMax: nodeMax,
}

// Build converts decoded bytecode to SSA form.
func Build(mod *Module) *Function {
	f := &Function{Stage: mod.Stage}

	zero := f.add(Node{Kind: nodeConst})

	var regs [NumRegs]Value
	for i := range regs {
		regs[i] = zero
	}

	for _, in := range mod.Insts {
		switch in.Op {
		case OpMov:
			regs[in.Dst] = regs[in.Src0]
		case OpMovI:
			regs[in.Dst] = f.add(Node{Kind: nodeConst, Const: math.Float32frombits(in.Imm)})
		case OpLdIn:
			regs[in.Dst] = f.add(Node{Kind: nodeInput, Index: in.Imm})
		case OpAdd, OpSub, OpMul, OpMin, OpMax:
			regs[in.Dst] = f.add(Node{
				Kind: binaryKinds[in.Op],
				Args: [3]Value{regs[in.Src0], regs[in.Src1]},
			})
		case OpMad:
			regs[in.Dst] = f.add(Node{
				Kind: nodeMad,
				Args: [3]Value{regs[in.Src0], regs[in.Src1], regs[in.Imm&0xff]},
			})
		case OpExp:
			regs[in.Dst] = f.add(Node{Kind: nodeExp, Args: [3]Value{regs[in.Src0]}})
		case OpRcp:
			regs[in.Dst] = f.add(Node{Kind: nodeRcp, Args: [3]Value{regs[in.Src0]}})
		case OpSample:
			regs[in.Dst] = f.add(Node{
				Kind:  nodeSample,
				Args:  [3]Value{regs[in.Src0], regs[in.Src1]},
				Index: in.Imm,
			})
		}
	}

	copy(f.Outputs[:], regs[:NumOutputs])

	return f
}

func eval(k nodeKind, a, b, c float32) float32 {
	switch k {
	case nodeAdd:
		return a + b
	case nodeSub:
		return a - b
	case nodeMul:
		return a * b
	case nodeMin:
		if b < a {
			return b
		}
		return a
	case nodeMax:
		if b > a {
			return b
		}
		return a
	case nodeMad:
		return a*b + c
	case nodeExp:
		return float32(math.Exp2(float64(a)))
	case nodeRcp:
		return 1 / a
	}

	return 0
}

// Optimize folds constant expressions and drops nodes that do not reach an
// output. The result is a new function.
func Optimize(f *Function) *Function {
	nodes := make([]Node, len(f.Nodes))
	copy(nodes, f.Nodes)

	for i := range nodes {
		n := &nodes[i]
		if !n.Kind.pure() || n.Kind == nodeConst {
			continue
		}

		var (
			vals  [3]float32
			konst = true
		)

		for a := 0; a < n.Kind.arity(); a++ {
			arg := nodes[n.Args[a]]
			if arg.Kind != nodeConst {
				konst = false
				break
			}
			vals[a] = arg.Const
		}

		if konst {
			*n = Node{Kind: nodeConst, Const: eval(n.Kind, vals[0], vals[1], vals[2])}
		}
	}

	live := make([]bool, len(nodes))

	var mark func(v Value)
	mark = func(v Value) {
		if live[v] {
			return
		}

		live[v] = true

		n := nodes[v]
		for a := 0; a < n.Kind.arity(); a++ {
			mark(n.Args[a])
		}
	}

	for _, o := range f.Outputs {
		mark(o)
	}

	out := &Function{Stage: f.Stage}
	remap := make([]Value, len(nodes))

	for i, n := range nodes {
		if !live[i] {
			continue
		}

		for a := 0; a < n.Kind.arity(); a++ {
			n.Args[a] = remap[n.Args[a]]
		}

		remap[i] = out.add(n)
	}

	for i, o := range f.Outputs {
		out.Outputs[i] = remap[o]
	}

	return out
}
