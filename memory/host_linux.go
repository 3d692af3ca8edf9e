//go:build linux

package memory

import (
	"golang.org/x/sys/unix"
)

// MmapHost backs every region with its own anonymous mapping. Host
// protection mirrors the guest's for read and write; execute is never
// granted on the host because guest code is run by the CPU backend.
type MmapHost struct{}

type mmapMapping struct {
	buf []byte
}

func DefaultHost() Host {
	return MmapHost{}
}

func (MmapHost) Map(size uint64) (Mapping, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, &HostError{Op: "mmap", Size: size, Err: err}
	}

	return &mmapMapping{buf: buf}, nil
}

func hostProt(prot Prot) int {
	switch {
	case prot&ProtWrite != 0:
		return unix.PROT_READ | unix.PROT_WRITE
	case prot != ProtNone:
		return unix.PROT_READ
	default:
		return unix.PROT_NONE
	}
}

func (m *mmapMapping) Bytes() []byte {
	return m.buf
}

func (m *mmapMapping) Protect(off, n uint64, prot Prot) error {
	err := unix.Mprotect(m.buf[off:off+n], hostProt(prot))
	if err != nil {
		return &HostError{Op: "mprotect", Size: n, Err: err}
	}

	return nil
}

func (m *mmapMapping) Discard(off, n uint64) error {
	err := unix.Madvise(m.buf[off:off+n], unix.MADV_DONTNEED)
	if err != nil {
		return &HostError{Op: "madvise", Size: n, Err: err}
	}

	return nil
}

func (m *mmapMapping) Release() error {
	if m.buf == nil {
		return nil
	}

	err := unix.Munmap(m.buf)
	m.buf = nil

	return err
}
