// Package imagetest assembles small executables in memory for tests.
package imagetest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/bayedieng/obliteration/memory"
)

type Segment struct {
	Type  elf.ProgType
	Vaddr uint64
	Memsz uint64
	Prot  memory.Prot
	Data  []byte
}

type Image struct {
	Type     elf.Type
	Machine  elf.Machine
	OSABI    elf.OSABI
	Entry    uint64
	Segments []Segment

	// Self wraps the ELF in a SELF container.
	Self bool
}

// Text returns an executable image with code at addr and the entry point at
// its first byte.
func Text(addr uint64, code []byte) *Image {
	return &Image{
		Entry: addr,
		Segments: []Segment{
			{Vaddr: addr, Prot: memory.ProtRead | memory.ProtExec, Data: code},
		},
	}
}

// Data adds a writable segment.
func (img *Image) Data(addr uint64, data []byte, memsz uint64) *Image {
	img.Segments = append(img.Segments, Segment{
		Vaddr: addr,
		Memsz: memsz,
		Prot:  memory.ProtRead | memory.ProtWrite,
		Data:  data,
	})

	return img
}

func (img *Image) Bytes() []byte {
	var out bytes.Buffer

	typ := img.Type
	if typ == 0 {
		typ = elf.ET_EXEC
	}

	machine := img.Machine
	if machine == 0 {
		machine = elf.EM_X86_64
	}

	osabi := img.OSABI
	if osabi == 0 {
		osabi = elf.ELFOSABI_FREEBSD
	}

	ehSize := binary.Size(elf.Header64{})
	phSize := binary.Size(elf.Prog64{})

	dataOff := uint64(ehSize + phSize*len(img.Segments))

	var hdr elf.Header64
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(osabi)
	hdr.Type = uint16(typ)
	hdr.Machine = uint16(machine)
	hdr.Version = uint32(elf.EV_CURRENT)
	hdr.Entry = img.Entry
	hdr.Phoff = uint64(ehSize)
	hdr.Ehsize = uint16(ehSize)
	hdr.Phentsize = uint16(phSize)
	hdr.Phnum = uint16(len(img.Segments))

	binary.Write(&out, binary.LittleEndian, &hdr)

	off := dataOff

	for _, seg := range img.Segments {
		typ := seg.Type
		if typ == 0 {
			typ = elf.PT_LOAD
		}

		memsz := seg.Memsz
		if memsz < uint64(len(seg.Data)) {
			memsz = uint64(len(seg.Data))
		}

		var flags elf.ProgFlag
		if seg.Prot&memory.ProtRead != 0 {
			flags |= elf.PF_R
		}
		if seg.Prot&memory.ProtWrite != 0 {
			flags |= elf.PF_W
		}
		if seg.Prot&memory.ProtExec != 0 {
			flags |= elf.PF_X
		}

		ph := elf.Prog64{
			Type:   uint32(typ),
			Flags:  uint32(flags),
			Off:    off,
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memsz,
			Align:  memory.PageSize,
		}

		binary.Write(&out, binary.LittleEndian, &ph)

		off += uint64(len(seg.Data))
	}

	for _, seg := range img.Segments {
		out.Write(seg.Data)
	}

	if !img.Self {
		return out.Bytes()
	}

	var self bytes.Buffer

	self.Write([]byte{0x4f, 0x15, 0x3d, 0x1d, 0x00, 0x01, 0x01, 0x12})
	self.Write(make([]byte, 16))
	binary.Write(&self, binary.LittleEndian, uint16(1))
	binary.Write(&self, binary.LittleEndian, uint16(0x22))
	self.Write(make([]byte, 4))

	// One segment descriptor covering the embedded ELF.
	binary.Write(&self, binary.LittleEndian, [4]uint64{
		0x800, 64, uint64(out.Len()), uint64(out.Len()),
	})

	self.Write(out.Bytes())

	return self.Bytes()
}
