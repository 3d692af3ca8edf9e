package memory

import "github.com/pkg/errors"

// Mapping is a host allocation backing one guest region.
type Mapping interface {
	Bytes() []byte
	Protect(off, n uint64, prot Prot) error
	// Discard drops the contents of the range; it reads back as zeroes.
	Discard(off, n uint64) error
	Release() error
}

// Host provides backing memory for guest regions.
type Host interface {
	Map(size uint64) (Mapping, error)
}

// HeapHost backs regions with Go heap memory. Protection is enforced only
// by the VirtualMemory checks. It is used where anonymous mappings are not
// available.
type HeapHost struct{}

// MaxHeapMapping is the largest region a HeapHost will allocate.
const MaxHeapMapping = 1 << 32

type heapMapping struct {
	buf []byte
}

func (HeapHost) Map(size uint64) (Mapping, error) {
	if size > MaxHeapMapping {
		return nil, errors.Wrapf(ErrMemoryLimit, "heap mapping of %#x bytes", size)
	}

	return &heapMapping{buf: make([]byte, size)}, nil
}

func (m *heapMapping) Bytes() []byte {
	return m.buf
}

func (m *heapMapping) Protect(off, n uint64, prot Prot) error {
	return nil
}

func (m *heapMapping) Discard(off, n uint64) error {
	clear(m.buf[off : off+n])
	return nil
}

func (m *heapMapping) Release() error {
	m.buf = nil
	return nil
}
