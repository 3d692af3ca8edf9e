package shader

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(v float32) uint32 {
	return math.Float32bits(v)
}

type constSampler float32

func (c constSampler) Sample(slot int, u, v float32) float32 {
	return float32(c) + float32(slot)
}

func TestTranslateAndExec(t *testing.T) {
	code := Encode(StagePixel, []Inst{
		{Op: OpLdIn, Dst: 10, Imm: 0},
		{Op: OpLdIn, Dst: 11, Imm: 1},
		{Op: OpMovI, Dst: 12, Imm: f32(2)},
		{Op: OpMul, Dst: 0, Src0: 10, Src1: 12},
		{Op: OpMad, Dst: 1, Src0: 10, Src1: 11, Imm: 12},
		{Op: OpMin, Dst: 2, Src0: 10, Src1: 11},
		{Op: OpSample, Dst: 3, Src0: 10, Src1: 11, Imm: 2},
		{Op: OpEnd},
		// trailing words after end are ignored
		{Op: 0xee},
	})

	prog, err := Translate(code)
	require.NoError(t, err)

	assert.Equal(t, StagePixel, prog.Stage)
	assert.Equal(t, 2, prog.Inputs)
	assert.Equal(t, []int{2}, prog.Samplers())

	out := prog.Exec([]float32{3, 4}, constSampler(0.5))
	assert.Equal(t, [NumOutputs]float32{6, 14, 3, 2.5}, out)

	// missing inputs read as zero
	out = prog.Exec(nil, nil)
	assert.Equal(t, [NumOutputs]float32{0, 2, 0, 0}, out)
}

func TestOptimize(t *testing.T) {
	mod, err := Decode(Encode(StageVertex, []Inst{
		{Op: OpMovI, Dst: 5, Imm: f32(3)},
		{Op: OpMovI, Dst: 6, Imm: f32(4)},
		{Op: OpAdd, Dst: 7, Src0: 5, Src1: 6},
		{Op: OpRcp, Dst: 8, Src0: 6},
		{Op: OpMul, Dst: 0, Src0: 7, Src1: 8},
		// dead: overwritten below before reaching an output
		{Op: OpLdIn, Dst: 1, Imm: 0},
		{Op: OpExp, Dst: 1, Src0: 5},
		{Op: OpEnd},
	}))
	require.NoError(t, err)

	fn := Build(mod)
	opt := Optimize(fn)

	assert.Less(t, len(opt.Nodes), len(fn.Nodes))

	for _, n := range opt.Nodes {
		assert.Equal(t, nodeConst, n.Kind, opt.String())
	}

	prog, err := Emit(opt)
	require.NoError(t, err)

	out := prog.Exec(nil, nil)
	assert.Equal(t, float32(7)*(1/float32(4)), out[0])
	assert.Equal(t, float32(8), out[1])
}

func TestRegisterReuse(t *testing.T) {
	var insts []Inst

	insts = append(insts, Inst{Op: OpLdIn, Dst: 0, Imm: 0})

	// a long dependent chain only ever needs a couple of live registers
	for i := 0; i < 500; i++ {
		insts = append(insts, Inst{Op: OpAdd, Dst: 0, Src0: 0, Src1: 0})
		insts = append(insts, Inst{Op: OpMin, Dst: 0, Src0: 0, Src1: 0})
	}

	insts = append(insts, Inst{Op: OpEnd})

	prog, err := Translate(Encode(StageCompute, insts))
	require.NoError(t, err)

	assert.LessOrEqual(t, prog.NumRegs, 3)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte("nope"))
	assert.Equal(t, ErrBadHeader, err)

	_, err = Decode(Encode(StagePixel, []Inst{{Op: OpMov, Dst: 1}})[:12])
	assert.Equal(t, ErrTruncated, err)

	_, err = Decode(Encode(StagePixel, []Inst{{Op: OpMov, Dst: 1}}))
	assert.Equal(t, ErrNoEnd, err)

	_, err = Decode(Encode(StagePixel, []Inst{{Op: 0x7f}, {Op: OpEnd}}))
	ue, ok := err.(*UnsupportedError)
	require.True(t, ok)
	assert.Equal(t, 0, ue.Index)

	_, err = Decode(Encode(StagePixel, []Inst{{Op: OpAdd, Dst: 70}, {Op: OpEnd}}))
	assert.IsType(t, &UnsupportedError{}, err)

	_, err = Decode(Encode(StagePixel, []Inst{{Op: OpSample, Imm: MaxSamplers}, {Op: OpEnd}}))
	assert.IsType(t, &UnsupportedError{}, err)
}

func TestCompilerSingleFlight(t *testing.T) {
	c, err := NewCompiler(nil)
	require.NoError(t, err)

	code := Encode(StageCompute, []Inst{
		{Op: OpLdIn, Dst: 0, Imm: 0},
		{Op: OpAdd, Dst: 0, Src0: 0, Src1: 0},
		{Op: OpEnd},
	})

	var (
		wg    sync.WaitGroup
		progs = make([]*Program, 32)
	)

	for i := range progs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			p, err := c.Get(code)
			assert.NoError(t, err)
			progs[i] = p
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int64(1), c.Compiles())

	for _, p := range progs {
		assert.True(t, p == progs[0])
	}
}

func TestCompilerNegativeEntries(t *testing.T) {
	c, err := NewCompiler(nil)
	require.NoError(t, err)

	code := Encode(StagePixel, []Inst{{Op: 0x99}, {Op: OpEnd}})

	_, err = c.Get(code)
	require.Error(t, err)

	_, err = c.Get(code)
	require.Error(t, err)

	assert.Equal(t, int64(1), c.Compiles())

	ent, ok := c.Lookup(KeyOf(code))
	require.True(t, ok)
	assert.Nil(t, ent.Program)
}

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shaders.bin")

	good := Encode(StagePixel, []Inst{
		{Op: OpMovI, Dst: 0, Imm: f32(1.5)},
		{Op: OpEnd},
	})
	bad := Encode(StagePixel, []Inst{{Op: 0x99}, {Op: OpEnd}})

	t.Run("results survive a restart", func(t *testing.T) {
		store, err := OpenStore(path)
		require.NoError(t, err)

		c, err := NewCompiler(store)
		require.NoError(t, err)

		_, err = c.Get(good)
		require.NoError(t, err)
		_, err = c.Get(bad)
		require.Error(t, err)

		require.NoError(t, c.Close())

		store, err = OpenStore(path)
		require.NoError(t, err)

		c, err = NewCompiler(store)
		require.NoError(t, err)
		defer c.Close()

		prog, err := c.Get(good)
		require.NoError(t, err)
		assert.Equal(t, float32(1.5), prog.Exec(nil, nil)[0])

		_, err = c.Get(bad)
		require.Error(t, err)

		assert.Equal(t, int64(0), c.Compiles())
	})

	t.Run("corrupt file is rewritten", func(t *testing.T) {
		data, err := os.ReadFile(path)
		require.NoError(t, err)

		data[len(data)-1] ^= 0xff
		require.NoError(t, os.WriteFile(path, data, 0644))

		store, err := OpenStore(path)
		require.NoError(t, err)

		c, err := NewCompiler(store)
		require.NoError(t, err)

		_, err = c.Get(good)
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.Compiles())

		require.NoError(t, c.Close())

		store, err = OpenStore(path)
		require.NoError(t, err)

		recs, err := store.Load()
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, KeyOf(good), recs[0].Key)

		require.NoError(t, store.Close())
	})

	t.Run("foreign file", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "other.bin")
		require.NoError(t, os.WriteFile(other, []byte("something else entirely"), 0644))

		store, err := OpenStore(other)
		require.NoError(t, err)
		defer store.Close()

		recs, err := store.Load()
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}
