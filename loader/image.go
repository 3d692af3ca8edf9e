package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/bayedieng/obliteration/memory"
	"github.com/pkg/errors"
)

const (
	selfHeaderSize        = 32
	selfSegmentHeaderSize = 32

	elfIdentSize = 16

	// Console specific ELF values.
	ET_SCE_EXEC       elf.Type     = 0xfe00
	ET_SCE_DYNEXEC    elf.Type     = 0xfe10
	PT_SCE_RELRO      elf.ProgType = 0x61000010
	PT_SCE_DYNLIBDATA elf.ProgType = 0x61000000

	// DynamicBase is where position independent images are placed.
	DynamicBase = 0x400000
)

var selfMagic = [8]byte{0x4f, 0x15, 0x3d, 0x1d, 0x00, 0x01, 0x01, 0x12}

// SelfHeader is the signed container wrapped around console executables.
type SelfHeader struct {
	Magic    [8]byte
	Unknown  [16]byte
	Segments uint16
	Unknown2 uint16
	Padding  [4]byte
}

type SelfSegment struct {
	Type             uint64
	Offset           uint64
	CompressedSize   uint64
	DecompressedSize uint64
}

// Segment is a loadable piece of the image with its final placement.
type Segment struct {
	Index  int
	Type   elf.ProgType
	Vaddr  uint64
	Memsz  uint64
	Prot   memory.Prot
	Data   []byte
	Offset uint64
}

func (s *Segment) End() uint64 {
	return s.Vaddr + s.Memsz
}

// TLS is the initial thread-local storage template.
type TLS struct {
	Data    []byte
	MemSize uint64
	Align   uint64
}

// Image is a parsed executable ready to be laid out in guest memory.
type Image struct {
	Self         *SelfHeader
	SelfSegments []SelfSegment

	Type     elf.Type
	OSABI    elf.OSABI
	Machine  elf.Machine
	Entry    uint64
	Base     uint64
	Segments []Segment
	Sections int
	TLS      *TLS

	// Key is the content hash when the image came through a Loader.
	Key string
}

// Dynamic reports whether the image is position independent.
func (img *Image) Dynamic() bool {
	return img.Type == elf.ET_DYN || img.Type == ET_SCE_DYNEXEC
}

// Parse reads a SELF wrapped or bare ELF image.
func Parse(r io.ReaderAt) (*Image, error) {
	img := &Image{}

	var ident [elfIdentSize]byte

	_, err := r.ReadAt(ident[:], 0)
	if err != nil {
		return nil, loadErr(ReadElfHeaderFailed, 0, err)
	}

	var elfOff int64

	if bytes.Equal(ident[:4], selfMagic[:4]) {
		elfOff, err = img.parseSelf(r)
		if err != nil {
			return nil, err
		}
	}

	err = img.parseElf(r, elfOff)
	if err != nil {
		return nil, err
	}

	return img, nil
}

func (img *Image) parseSelf(r io.ReaderAt) (int64, error) {
	var hdr SelfHeader

	err := binary.Read(io.NewSectionReader(r, 0, selfHeaderSize), binary.LittleEndian, &hdr)
	if err != nil {
		return 0, loadErr(ReadSelfHeaderFailed, 0, err)
	}

	if hdr.Magic != selfMagic || hdr.Unknown2 != 0x22 {
		return 0, loadErr(InvalidSelfMagic, 0, nil)
	}

	img.Self = &hdr

	off := int64(selfHeaderSize)

	for i := 0; i < int(hdr.Segments); i++ {
		var seg SelfSegment

		sr := io.NewSectionReader(r, off, selfSegmentHeaderSize)

		err := binary.Read(sr, binary.LittleEndian, &seg)
		if err != nil {
			return 0, loadErr(ReadSelfSegmentHeaderFailed, i, err)
		}

		img.SelfSegments = append(img.SelfSegments, seg)
		off += selfSegmentHeaderSize
	}

	return off, nil
}

func (img *Image) parseElf(r io.ReaderAt, base int64) error {
	var ident [elfIdentSize]byte

	_, err := r.ReadAt(ident[:], base)
	if err != nil {
		return loadErr(ReadElfHeaderFailed, 0, err)
	}

	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return loadErr(InvalidElfMagic, 0, nil)
	}

	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 || elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return loadErr(UnsupportedArchitecture, 0, nil)
	}

	var hdr elf.Header64

	err = binary.Read(io.NewSectionReader(r, base, int64(binary.Size(hdr))), binary.LittleEndian, &hdr)
	if err != nil {
		return loadErr(ReadElfHeaderFailed, 0, err)
	}

	img.Type = elf.Type(hdr.Type)
	img.Machine = elf.Machine(hdr.Machine)
	img.OSABI = elf.OSABI(ident[elf.EI_OSABI])
	img.Entry = hdr.Entry
	img.Sections = int(hdr.Shnum)

	if img.Machine != elf.EM_X86_64 {
		return loadErr(UnsupportedArchitecture, 0, errors.Errorf("machine %s", img.Machine))
	}

	switch img.OSABI {
	case elf.ELFOSABI_NONE, elf.ELFOSABI_FREEBSD:
	default:
		return loadErr(UnsupportedAbi, 0, errors.Errorf("os abi %s", img.OSABI))
	}

	switch img.Type {
	case elf.ET_EXEC, elf.ET_DYN, ET_SCE_EXEC, ET_SCE_DYNEXEC:
	default:
		return loadErr(UnsupportedAbi, 0, errors.Errorf("type %#x", uint16(img.Type)))
	}

	if img.Dynamic() {
		img.Base = DynamicBase
	}

	progSize := int64(binary.Size(elf.Prog64{}))

	for i := 0; i < int(hdr.Phnum); i++ {
		var ph elf.Prog64

		sr := io.NewSectionReader(r, base+int64(hdr.Phoff)+int64(i)*progSize, progSize)

		err := binary.Read(sr, binary.LittleEndian, &ph)
		if err != nil {
			return loadErr(ReadProgramHeaderFailed, i, err)
		}

		err = img.addProgram(r, base, i, &ph)
		if err != nil {
			return err
		}
	}

	sectSize := int64(binary.Size(elf.Section64{}))

	for i := 0; i < int(hdr.Shnum); i++ {
		var sh elf.Section64

		sr := io.NewSectionReader(r, base+int64(hdr.Shoff)+int64(i)*sectSize, sectSize)

		err := binary.Read(sr, binary.LittleEndian, &sh)
		if err != nil {
			return loadErr(ReadSectionHeaderFailed, i, err)
		}
	}

	return img.validateLayout()
}

func progProt(flags elf.ProgFlag) memory.Prot {
	var prot memory.Prot

	if flags&elf.PF_R != 0 {
		prot |= memory.ProtRead
	}

	if flags&elf.PF_W != 0 {
		prot |= memory.ProtWrite
	}

	if flags&elf.PF_X != 0 {
		prot |= memory.ProtExec
	}

	return prot
}

type sizer interface {
	Size() int64
}

// checkProgram rejects headers whose file range or memory size cannot be
// real before anything is allocated for them.
func checkProgram(r io.ReaderAt, base int64, idx int, ph *elf.Prog64) error {
	if ph.Filesz > ph.Memsz {
		return loadErr(InvalidSegment, idx, errors.Errorf("file size %#x exceeds memory size %#x", ph.Filesz, ph.Memsz))
	}

	if ph.Memsz > memory.MaxAddress-memory.MinAddress {
		return loadErr(InvalidSegment, idx, errors.Errorf("memory size %#x exceeds the address space", ph.Memsz))
	}

	if ph.Off > math.MaxInt64-uint64(base) || ph.Filesz > math.MaxInt64-uint64(base)-ph.Off {
		return loadErr(ReadSegmentDataFailed, idx, errors.Errorf("file range %#x+%#x is out of bounds", ph.Off, ph.Filesz))
	}

	if sz, ok := r.(sizer); ok {
		if uint64(base)+ph.Off+ph.Filesz > uint64(sz.Size()) {
			return loadErr(ReadSegmentDataFailed, idx, errors.Wrapf(io.ErrUnexpectedEOF, "file range %#x+%#x past image end %#x", ph.Off, ph.Filesz, sz.Size()))
		}
	}

	return nil
}

// readData grows the buffer as bytes arrive so a lying header on a reader
// of unknown size can't force a large allocation.
func readData(r io.ReaderAt, off int64, size uint64) ([]byte, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, off, int64(size)))
	if err != nil {
		return nil, err
	}

	if uint64(len(data)) != size {
		return nil, io.ErrUnexpectedEOF
	}

	return data, nil
}

func (img *Image) addProgram(r io.ReaderAt, base int64, idx int, ph *elf.Prog64) error {
	typ := elf.ProgType(ph.Type)

	switch typ {
	case elf.PT_LOAD, PT_SCE_RELRO:
		if ph.Memsz == 0 {
			return nil
		}

		err := checkProgram(r, base, idx, ph)
		if err != nil {
			return err
		}

		data, err := readData(r, base+int64(ph.Off), ph.Filesz)
		if err != nil {
			return loadErr(ReadSegmentDataFailed, idx, err)
		}

		img.Segments = append(img.Segments, Segment{
			Index:  idx,
			Type:   typ,
			Vaddr:  img.Base + ph.Vaddr,
			Memsz:  ph.Memsz,
			Prot:   progProt(elf.ProgFlag(ph.Flags)),
			Data:   data,
			Offset: ph.Off,
		})
	case elf.PT_TLS:
		err := checkProgram(r, base, idx, ph)
		if err != nil {
			return err
		}

		data, err := readData(r, base+int64(ph.Off), ph.Filesz)
		if err != nil {
			return loadErr(ReadSegmentDataFailed, idx, err)
		}

		img.TLS = &TLS{Data: data, MemSize: ph.Memsz, Align: ph.Align}
	}

	return nil
}

func pageDown(addr uint64) uint64 {
	return addr &^ (memory.PageSize - 1)
}

func pageUp(addr uint64) uint64 {
	return (addr + memory.PageSize - 1) &^ (memory.PageSize - 1)
}

// validateLayout rejects segments whose pages overlap or fall outside the
// guest user range, and checks that the entry point is executable.
func (img *Image) validateLayout() error {
	segs := make([]Segment, len(img.Segments))
	copy(segs, img.Segments)

	sort.Slice(segs, func(i, j int) bool {
		return segs[i].Vaddr < segs[j].Vaddr
	})

	for i, seg := range segs {
		if pageDown(seg.Vaddr) < memory.MinAddress || seg.End() > memory.MaxAddress || seg.End() < seg.Vaddr {
			return loadErr(SegmentConflict, seg.Index, errors.Errorf("outside user address space"))
		}

		if i > 0 && pageUp(segs[i-1].End()) > pageDown(seg.Vaddr) {
			return loadErr(SegmentConflict, seg.Index, errors.Errorf("overlaps segment #%d", segs[i-1].Index))
		}
	}

	entry := img.Base + img.Entry

	for _, seg := range img.Segments {
		if entry >= seg.Vaddr && entry < seg.End() && seg.Prot&memory.ProtExec != 0 {
			return nil
		}
	}

	return loadErr(NoEntryPoint, 0, errors.Errorf("entry %#x", entry))
}

// EntryAddress is the guest address of the first instruction.
func (img *Image) EntryAddress() uint64 {
	return img.Base + img.Entry
}
