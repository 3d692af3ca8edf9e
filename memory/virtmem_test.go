package memory

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVM(t *testing.T) *VirtualMemory {
	vm := NewVirtualMemory(DefaultHost(), 0)
	t.Cleanup(func() {
		vm.ReleaseAll()
	})

	return vm
}

func TestReserveCommitWriteRead(t *testing.T) {
	vm := newVM(t)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 32; i++ {
		size := uint64(rng.Intn(4*PageSize) + 1)

		reg, err := vm.Reserve(0, size, ProtRead|ProtWrite, 0)
		require.NoError(t, err)
		require.NoError(t, vm.Commit(reg))

		off := uint64(rng.Intn(int(size)))
		data := make([]byte, size-off)
		rng.Read(data)

		require.NoError(t, vm.Write(reg.Start+off, data))

		out := make([]byte, len(data))
		require.NoError(t, vm.Read(reg.Start+off, out))

		require.Equal(t, data, out)
	}
}

func TestFixedPlacement(t *testing.T) {
	vm := newVM(t)

	reg, err := vm.Reserve(0x400000, PageSize*2, ProtRead, Fixed)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400000), reg.Start)

	_, err = vm.Reserve(0x400000+PageSize, PageSize, ProtRead, Fixed)
	require.Equal(t, ErrRegionConflict, errors.Cause(err))

	_, err = vm.Reserve(0x400001, PageSize, ProtRead, Fixed)
	require.Equal(t, ErrBadRegionRequest, errors.Cause(err))

	// a non-fixed hint inside a used range moves up instead of failing
	other, err := vm.Reserve(0x400000, PageSize, ProtRead, 0)
	require.NoError(t, err)
	assert.Equal(t, reg.End(), other.Start)
}

func TestFaults(t *testing.T) {
	vm := newVM(t)

	reg, err := vm.Reserve(0, PageSize, ProtRead|ProtWrite, Guard)
	require.NoError(t, err)

	buf := make([]byte, 8)

	t.Run("reserved memory faults until committed", func(t *testing.T) {
		f, ok := AsFault(vm.Read(reg.Start, buf))
		require.True(t, ok)
		assert.Equal(t, FaultUncommitted, f.Reason)
	})

	require.NoError(t, vm.Commit(reg))

	t.Run("guard pages fault", func(t *testing.T) {
		f, ok := AsFault(vm.Read(reg.Start-8, buf))
		require.True(t, ok)
		assert.Equal(t, FaultGuard, f.Reason)

		f, ok = AsFault(vm.Write(reg.End(), buf))
		require.True(t, ok)
		assert.Equal(t, FaultGuard, f.Reason)
	})

	t.Run("unmapped addresses fault", func(t *testing.T) {
		f, ok := AsFault(vm.Read(0x1000, buf))
		require.True(t, ok)
		assert.Equal(t, FaultUnmapped, f.Reason)
		assert.Equal(t, uint64(0x1000), f.Addr)
	})

	t.Run("a straddling write changes nothing", func(t *testing.T) {
		require.NoError(t, vm.Write(reg.End()-4, []byte{1, 2, 3, 4}))

		err := vm.Write(reg.End()-4, bytes.Repeat([]byte{0xff}, 8))
		_, ok := AsFault(err)
		require.True(t, ok)

		out := make([]byte, 4)
		require.NoError(t, vm.Read(reg.End()-4, out))
		assert.Equal(t, []byte{1, 2, 3, 4}, out)
	})

	t.Run("execute needs exec permission", func(t *testing.T) {
		f, ok := AsFault(vm.Fetch(reg.Start, buf))
		require.True(t, ok)
		assert.Equal(t, FaultProtection, f.Reason)
		assert.Equal(t, AccessExec, f.Access)
	})
}

type recordingQuiescer struct {
	calls   int
	resumed int
	start   uint64
}

func (q *recordingQuiescer) Quiesce(ctx context.Context, start, end uint64) func() {
	q.calls++
	q.start = start
	return func() { q.resumed++ }
}

func TestProtect(t *testing.T) {
	vm := newVM(t)
	q := &recordingQuiescer{}
	vm.SetQuiescer(q)

	reg, err := vm.Reserve(0, 3*PageSize, ProtRead|ProtWrite, 0)
	require.NoError(t, err)
	require.NoError(t, vm.Commit(reg))

	require.NoError(t, vm.Write(reg.Start+PageSize, []byte("hello")))

	err = vm.ProtectRange(context.Background(), reg.Start+PageSize, PageSize, ProtRead)
	require.NoError(t, err)

	assert.Equal(t, 1, q.calls)
	assert.Equal(t, 1, q.resumed)
	assert.Equal(t, reg.Start+PageSize, q.start)

	f, ok := AsFault(vm.Write(reg.Start+PageSize, []byte("x")))
	require.True(t, ok)
	assert.Equal(t, FaultProtection, f.Reason)

	// neighbouring pages keep their protection
	require.NoError(t, vm.Write(reg.Start, []byte("ok")))
	require.NoError(t, vm.Write(reg.Start+2*PageSize, []byte("ok")))

	out := make([]byte, 5)
	require.NoError(t, vm.Read(reg.Start+PageSize, out))
	assert.Equal(t, "hello", string(out))

	err = vm.ProtectRange(context.Background(), 0x1000_0000, PageSize, ProtRead)
	require.Equal(t, ErrInvalidRange, errors.Cause(err))
}

func TestTranslate(t *testing.T) {
	vm := newVM(t)

	reg, err := vm.Reserve(0, PageSize, ProtRead, 0)
	require.NoError(t, err)

	_, err = vm.Translate(reg.Start, AccessRead)
	require.Error(t, err)

	require.NoError(t, vm.Commit(reg))

	a, err := vm.Translate(reg.Start, AccessRead)
	require.NoError(t, err)

	b, err := vm.Translate(reg.Start+16, AccessRead)
	require.NoError(t, err)
	assert.Equal(t, a+16, b)

	_, err = vm.Translate(reg.Start, AccessWrite)
	require.Error(t, err)
}

func TestDecommitDropsContents(t *testing.T) {
	vm := newVM(t)

	reg, err := vm.Reserve(0, PageSize, ProtRead|ProtWrite, 0)
	require.NoError(t, err)
	require.NoError(t, vm.Commit(reg))
	require.Equal(t, uint64(PageSize), vm.Committed())

	require.NoError(t, vm.Write(reg.Start, []byte{9, 9, 9}))
	require.NoError(t, vm.Decommit(reg))
	require.Equal(t, uint64(0), vm.Committed())

	_, ok := AsFault(vm.Read(reg.Start, make([]byte, 1)))
	require.True(t, ok)

	require.NoError(t, vm.Commit(reg))

	out := make([]byte, 3)
	require.NoError(t, vm.Read(reg.Start, out))
	assert.Equal(t, []byte{0, 0, 0}, out)
}

func TestMemoryLimit(t *testing.T) {
	vm := NewVirtualMemory(DefaultHost(), 2*PageSize)
	defer vm.ReleaseAll()

	a, err := vm.Reserve(0, 2*PageSize, ProtRead, 0)
	require.NoError(t, err)
	require.NoError(t, vm.Commit(a))

	b, err := vm.Reserve(0, PageSize, ProtRead, 0)
	require.NoError(t, err)

	err = vm.Commit(b)
	require.Equal(t, ErrMemoryLimit, errors.Cause(err))
}

func TestReserveBudget(t *testing.T) {
	t.Run("huge reservations fail before allocating", func(t *testing.T) {
		vm := NewVirtualMemory(HeapHost{}, 1<<20)
		defer vm.ReleaseAll()

		_, err := vm.Reserve(0, 1<<40, ProtNone, 0)
		require.Equal(t, ErrMemoryLimit, errors.Cause(err))

		_, err = vm.Reserve(0, ^uint64(0)-PageSize, ProtNone, 0)
		require.Equal(t, ErrNoSpace, errors.Cause(err))

		assert.Empty(t, vm.Regions())
	})

	t.Run("released space is returned", func(t *testing.T) {
		vm := NewVirtualMemory(HeapHost{}, PageSize)
		defer vm.ReleaseAll()

		reg, err := vm.Reserve(0, ReserveFactor*PageSize, ProtNone, 0)
		require.NoError(t, err)

		_, err = vm.Reserve(0, PageSize, ProtNone, 0)
		require.Equal(t, ErrMemoryLimit, errors.Cause(err))

		require.NoError(t, vm.Release(reg))

		_, err = vm.Reserve(0, PageSize, ProtNone, 0)
		require.NoError(t, err)
	})

	t.Run("the heap host refuses huge mappings", func(t *testing.T) {
		vm := NewVirtualMemory(HeapHost{}, 0)
		defer vm.ReleaseAll()

		_, err := vm.Reserve(0, 1<<40, ProtNone, 0)
		require.Equal(t, ErrMemoryLimit, errors.Cause(err))
	})
}

func TestProtMap(t *testing.T) {
	m := newProtMap(8, ProtRead)

	m.set(2, 4, ProtNone)
	m.set(6, 8, ProtRead|ProtWrite)

	var got []Prot
	for i := uint64(0); i < 8; i++ {
		got = append(got, m.at(i))
	}

	assert.Equal(t, []Prot{
		ProtRead, ProtRead, ProtNone, ProtNone,
		ProtRead, ProtRead, ProtRead | ProtWrite, ProtRead | ProtWrite,
	}, got)
	assert.Len(t, m.runs, 4)

	m.set(1, 7, ProtRead)
	assert.Equal(t, []protRun{{0, ProtRead}, {7, ProtRead | ProtWrite}}, m.runs)

	type run struct {
		first, last uint64
		prot        Prot
	}

	var runs []run
	m.each(3, 8, func(first, last uint64, prot Prot) error {
		runs = append(runs, run{first, last, prot})
		return nil
	})

	assert.Equal(t, []run{{3, 7, ProtRead}, {7, 8, ProtRead | ProtWrite}}, runs)

	// a large region stays a single run
	big := newProtMap(1<<36, ProtNone)
	big.set(5, 6, ProtRead)
	assert.Len(t, big.runs, 3)
	assert.Equal(t, ProtNone, big.at(1<<35))
}

func TestUnmap(t *testing.T) {
	vm := newVM(t)

	reg, err := vm.Reserve(0x800000, 2*PageSize, ProtRead, Fixed)
	require.NoError(t, err)

	err = vm.Unmap(0x800000, PageSize)
	require.Equal(t, ErrInvalidRange, errors.Cause(err))

	require.NoError(t, vm.Unmap(0x800000, 2*PageSize))

	_, ok := vm.Lookup(reg.Start)
	require.False(t, ok)

	require.Equal(t, ErrReleased, vm.Commit(reg))
}

func TestSharedSegment(t *testing.T) {
	a := newVM(t)
	b := newVM(t)

	seg, err := NewSegment(DefaultHost(), PageSize)
	require.NoError(t, err)

	ra, err := a.MapSegment(seg, 0, ProtRead|ProtWrite, 0)
	require.NoError(t, err)

	rb, err := b.MapSegment(seg, 0, ProtRead, 0)
	require.NoError(t, err)

	require.NoError(t, seg.Put())

	require.NoError(t, a.Write(ra.Start, []byte("shared")))

	out := make([]byte, 6)
	require.NoError(t, b.Read(rb.Start, out))
	assert.Equal(t, "shared", string(out))

	_, ok := AsFault(b.Write(rb.Start, []byte("x")))
	require.True(t, ok)

	require.NoError(t, a.Release(ra))
	require.NoError(t, b.Read(rb.Start, out))
}
