package loader_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"github.com/bayedieng/obliteration/loader"
	"github.com/bayedieng/obliteration/loader/imagetest"
	"github.com/bayedieng/obliteration/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var code = []byte{0x90, 0x90, 0xc3}

func TestParse(t *testing.T) {
	t.Run("bare elf", func(t *testing.T) {
		raw := imagetest.Text(0x400000, code).Data(0x500000, []byte{1, 2, 3, 4}, 0x8000).Bytes()

		img, err := loader.Parse(bytes.NewReader(raw))
		require.NoError(t, err)

		assert.Nil(t, img.Self)
		assert.Equal(t, uint64(0x400000), img.EntryAddress())
		require.Len(t, img.Segments, 2)

		text := img.Segments[0]
		assert.Equal(t, memory.ProtRead|memory.ProtExec, text.Prot)
		assert.Equal(t, code, text.Data)

		data := img.Segments[1]
		assert.Equal(t, uint64(0x8000), data.Memsz)
		assert.Equal(t, []byte{1, 2, 3, 4}, data.Data)
	})

	t.Run("self wrapped", func(t *testing.T) {
		b := imagetest.Text(0x400000, code)
		b.Self = true

		img, err := loader.Parse(bytes.NewReader(b.Bytes()))
		require.NoError(t, err)

		require.NotNil(t, img.Self)
		assert.Equal(t, uint16(1), img.Self.Segments)
		require.Len(t, img.SelfSegments, 1)
		assert.Equal(t, code, img.Segments[0].Data)
	})

	t.Run("dynamic images are rebased", func(t *testing.T) {
		b := imagetest.Text(0x4000, code)
		b.Type = loader.ET_SCE_DYNEXEC

		img, err := loader.Parse(bytes.NewReader(b.Bytes()))
		require.NoError(t, err)

		assert.True(t, img.Dynamic())
		assert.Equal(t, uint64(loader.DynamicBase+0x4000), img.EntryAddress())
		assert.Equal(t, uint64(loader.DynamicBase+0x4000), img.Segments[0].Vaddr)
	})

	t.Run("tls template", func(t *testing.T) {
		b := imagetest.Text(0x400000, code)
		b.Segments = append(b.Segments, imagetest.Segment{
			Type:  elf.PT_TLS,
			Vaddr: 0x600000,
			Memsz: 0x40,
			Prot:  memory.ProtRead,
			Data:  []byte{7, 7},
		})

		img, err := loader.Parse(bytes.NewReader(b.Bytes()))
		require.NoError(t, err)

		require.NotNil(t, img.TLS)
		assert.Equal(t, []byte{7, 7}, img.TLS.Data)
		assert.Equal(t, uint64(0x40), img.TLS.MemSize)
		assert.Len(t, img.Segments, 1)
	})
}

func loadKind(t *testing.T, raw []byte) loader.ErrorKind {
	_, err := loader.Parse(bytes.NewReader(raw))
	require.Error(t, err)

	le, ok := loader.AsLoadError(err)
	require.True(t, ok, "error is %T", err)

	return le.Kind
}

func TestParseErrors(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		assert.Equal(t, loader.ReadElfHeaderFailed, loadKind(t, []byte{0x7f, 'E'}))
	})

	t.Run("bad magic", func(t *testing.T) {
		raw := make([]byte, 128)
		copy(raw, "MZ")

		assert.Equal(t, loader.InvalidElfMagic, loadKind(t, raw))
	})

	t.Run("bad self magic", func(t *testing.T) {
		b := imagetest.Text(0x400000, code)
		b.Self = true

		raw := b.Bytes()
		raw[0x1a] = 0x11

		assert.Equal(t, loader.InvalidSelfMagic, loadKind(t, raw))
	})

	t.Run("wrong machine", func(t *testing.T) {
		b := imagetest.Text(0x400000, code)
		b.Machine = elf.EM_AARCH64

		assert.Equal(t, loader.UnsupportedArchitecture, loadKind(t, b.Bytes()))
	})

	t.Run("wrong abi", func(t *testing.T) {
		b := imagetest.Text(0x400000, code)
		b.OSABI = elf.ELFOSABI_LINUX

		assert.Equal(t, loader.UnsupportedAbi, loadKind(t, b.Bytes()))
	})

	t.Run("truncated program headers", func(t *testing.T) {
		raw := imagetest.Text(0x400000, code).Bytes()

		assert.Equal(t, loader.ReadProgramHeaderFailed, loadKind(t, raw[:80]))
	})

	t.Run("overlapping segments", func(t *testing.T) {
		raw := imagetest.Text(0x400000, code).Data(0x401000, []byte{1}, 0).Bytes()

		_, err := loader.Parse(bytes.NewReader(raw))
		le, ok := loader.AsLoadError(err)
		require.True(t, ok)

		assert.Equal(t, loader.SegmentConflict, le.Kind)
		assert.Equal(t, 1, le.Index)
		assert.Contains(t, err.Error(), "segment #1")
	})

	// program header fields of the first segment
	const (
		phOff    = 64
		phFilesz = phOff + 32
		phMemsz  = phOff + 40
	)

	t.Run("huge segment sizes", func(t *testing.T) {
		raw := imagetest.Text(0x400000, code).Bytes()

		binary.LittleEndian.PutUint64(raw[phFilesz:], 1<<62)
		binary.LittleEndian.PutUint64(raw[phMemsz:], 1<<62)

		_, err := loader.Parse(bytes.NewReader(raw))
		le, ok := loader.AsLoadError(err)
		require.True(t, ok)

		assert.Equal(t, loader.InvalidSegment, le.Kind)
		assert.Equal(t, 0, le.Index)
	})

	t.Run("file range past the image", func(t *testing.T) {
		raw := imagetest.Text(0x400000, code).Bytes()

		binary.LittleEndian.PutUint64(raw[phFilesz:], 0x100000)
		binary.LittleEndian.PutUint64(raw[phMemsz:], 0x100000)

		assert.Equal(t, loader.ReadSegmentDataFailed, loadKind(t, raw))
	})

	t.Run("file range past a reader of unknown size", func(t *testing.T) {
		raw := imagetest.Text(0x400000, code).Bytes()

		binary.LittleEndian.PutUint64(raw[phFilesz:], 0x100000)
		binary.LittleEndian.PutUint64(raw[phMemsz:], 0x100000)

		_, err := loader.Parse(struct{ io.ReaderAt }{bytes.NewReader(raw)})
		le, ok := loader.AsLoadError(err)
		require.True(t, ok)

		assert.Equal(t, loader.ReadSegmentDataFailed, le.Kind)
	})

	t.Run("huge tls template", func(t *testing.T) {
		b := &imagetest.Image{
			Entry: 0x400000,
			Segments: []imagetest.Segment{
				{Type: elf.PT_TLS, Vaddr: 0x600000, Memsz: 0x40, Prot: memory.ProtRead, Data: []byte{7}},
				{Vaddr: 0x400000, Prot: memory.ProtRead | memory.ProtExec, Data: code},
			},
		}

		raw := b.Bytes()

		binary.LittleEndian.PutUint64(raw[phFilesz:], 1<<62)
		binary.LittleEndian.PutUint64(raw[phMemsz:], 1<<62)

		assert.Equal(t, loader.InvalidSegment, loadKind(t, raw))

		binary.LittleEndian.PutUint64(raw[phFilesz:], 0x1000)
		binary.LittleEndian.PutUint64(raw[phMemsz:], 0x1000)

		assert.Equal(t, loader.ReadSegmentDataFailed, loadKind(t, raw))
	})

	t.Run("entry outside text", func(t *testing.T) {
		b := imagetest.Text(0x400000, code)
		b.Entry = 0x900000

		assert.Equal(t, loader.NoEntryPoint, loadKind(t, b.Bytes()))
	})
}

func TestLoaderCache(t *testing.T) {
	cache := loader.NewImageCache()
	l := loader.NewLoader(cache)

	raw := imagetest.Text(0x400000, code).Bytes()

	a, err := l.Load(raw)
	require.NoError(t, err)

	b, err := l.Load(raw)
	require.NoError(t, err)

	assert.True(t, a == b)
	assert.NotEmpty(t, a.Key)
	assert.Equal(t, 1, cache.Len())

	_, err = l.Load(imagetest.Text(0x800000, code).Bytes())
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())
}
