package memory

import (
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Segment is host memory that can be mapped into several regions, possibly
// of different processes. It lives until the last reference is dropped.
type Segment struct {
	Size uint64

	mapping Mapping
	refs    atomic.Int32
}

// NewSegment allocates a segment holding one reference for the caller.
func NewSegment(host Host, size uint64) (*Segment, error) {
	if size == 0 {
		return nil, ErrBadRegionRequest
	}

	if host == nil {
		host = DefaultHost()
	}

	size = pageRound(size)

	m, err := host.Map(size)
	if err != nil {
		return nil, err
	}

	// shared backing stays host read/write; guest protection is enforced
	// per region by the checks in VirtualMemory.
	err = m.Protect(0, size, ProtRead|ProtWrite)
	if err != nil {
		m.Release()
		return nil, err
	}

	s := &Segment{Size: size, mapping: m}
	s.refs.Store(1)

	return s, nil
}

func (s *Segment) Get() {
	s.refs.Add(1)
}

// Put drops a reference and frees the backing on the last one.
func (s *Segment) Put() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}

	if n < 0 {
		return errors.New("segment reference count underflow")
	}

	return s.mapping.Release()
}

// MapSegment maps the whole segment into the address space. The region is
// committed from the start and shares contents with every other mapping.
func (vm *VirtualMemory) MapSegment(s *Segment, hint uint64, prot Prot, flags Flags) (*Region, error) {
	if !prot.Valid() {
		return nil, ErrBadRegionRequest
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.limit != 0 && vm.committed+s.Size > vm.limit {
		return nil, errors.Wrapf(ErrMemoryLimit, "mapping segment of %#x bytes", s.Size)
	}

	start, err := vm.place(hint, s.Size, flags)
	if err != nil {
		return nil, err
	}

	s.Get()

	reg := &Region{
		Start:   start,
		Size:    s.Size,
		guard:   flags&Guard != 0,
		state:   Committed,
		prot:    newProtMap(s.Size/PageSize, prot),
		mapping: s.mapping,
		seg:     s,
	}

	vm.insert(reg)
	vm.committed += s.Size
	vm.reserved += s.Size

	vm.L.Trace("map-segment", "addr", hclog.Fmt("%#x", start), "size", hclog.Fmt("%#x", s.Size))

	return reg, nil
}
