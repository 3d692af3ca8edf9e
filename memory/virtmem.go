package memory

import (
	"context"
	"sort"
	"sync"
	"unsafe"

	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Guest user address space layout.
const (
	MinAddress = 0x10000
	MmapBase   = 0x2_0000_0000
	MaxAddress = 0x7fff_ffff_c000
)

var (
	ErrBadRegionRequest = errors.New("bad region request")
	ErrRegionConflict   = errors.New("region overlaps an existing mapping")
	ErrNoSpace          = errors.New("no free guest address range")
	ErrMemoryLimit      = errors.New("guest memory limit exceeded")
	ErrInvalidRange     = errors.New("range does not cover whole regions")
	ErrReleased         = errors.New("region was released")
)

type State int

const (
	Reserved State = iota
	Committed
)

func (s State) String() string {
	if s == Committed {
		return "committed"
	}

	return "reserved"
}

// Region is a contiguous range of guest address space. Start and Size never
// change; everything else is guarded by the owning VirtualMemory.
type Region struct {
	Start, Size uint64
	Name        string

	guard    bool
	state    State
	prot     protMap
	mapping  Mapping
	seg      *Segment
	released bool
}

func (reg *Region) End() uint64 {
	return reg.Start + reg.Size
}

// Contains reports whether x falls inside the usable range of the region.
func (reg *Region) Contains(x uint64) bool {
	return x >= reg.Start && x < reg.End()
}

// span is the address range claimed by the region, guard pages included.
func (reg *Region) span() (uint64, uint64) {
	if reg.guard {
		return reg.Start - PageSize, reg.End() + PageSize
	}

	return reg.Start, reg.End()
}

// RegionInfo is a snapshot of a region for callers outside the manager.
type RegionInfo struct {
	Start, Size uint64
	Name        string
	State       State
	Prot        Prot
	Guard       bool
	Shared      bool
}

// Quiescer pauses guest threads that may be executing inside [start, end)
// at a safe point. The returned function resumes them.
type Quiescer interface {
	Quiesce(ctx context.Context, start, end uint64) func()
}

// VirtualMemory is the address space of one guest process.
type VirtualMemory struct {
	L hclog.Logger

	mu       sync.RWMutex
	host     Host
	regions  []*Region // sorted by span start
	quiescer Quiescer

	committed uint64
	reserved  uint64
	limit     uint64

	// page number -> *Region
	tlb *lru.ARCCache
}

func NewVirtualMemory(host Host, limit uint64) *VirtualMemory {
	if host == nil {
		host = DefaultHost()
	}

	tlb, err := lru.NewARC(256)
	if err != nil {
		panic(err)
	}

	return &VirtualMemory{
		L:     hclog.L().Named("memory"),
		host:  host,
		limit: limit,
		tlb:   tlb,
	}
}

// ReserveFactor bounds the address space a process may hold as a multiple
// of its memory limit.
const ReserveFactor = 16

func (vm *VirtualMemory) reserveBudget() uint64 {
	if vm.limit == 0 || vm.limit > (MaxAddress-MinAddress)/ReserveFactor {
		return MaxAddress - MinAddress
	}

	return vm.limit * ReserveFactor
}

func (vm *VirtualMemory) SetQuiescer(q Quiescer) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.quiescer = q
}

// Committed returns the number of committed bytes.
func (vm *VirtualMemory) Committed() uint64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	return vm.committed
}

func (vm *VirtualMemory) Regions() []RegionInfo {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	out := make([]RegionInfo, 0, len(vm.regions))
	for _, reg := range vm.regions {
		out = append(out, reg.info())
	}

	return out
}

func (reg *Region) info() RegionInfo {
	return RegionInfo{
		Start:  reg.Start,
		Size:   reg.Size,
		Name:   reg.Name,
		State:  reg.state,
		Prot:   reg.prot.head(),
		Guard:  reg.guard,
		Shared: reg.seg != nil,
	}
}

// Lookup returns the region containing addr.
func (vm *VirtualMemory) Lookup(addr uint64) (RegionInfo, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	reg, ok := vm.findRegion(addr)
	if !ok || !reg.Contains(addr) {
		return RegionInfo{}, false
	}

	return reg.info(), true
}

// findRegion returns the region whose span (guards included) holds addr.
// Callers hold mu.
func (vm *VirtualMemory) findRegion(addr uint64) (*Region, bool) {
	page := addr / PageSize

	if v, ok := vm.tlb.Get(page); ok {
		reg := v.(*Region)
		lo, hi := reg.span()
		if !reg.released && addr >= lo && addr < hi {
			return reg, true
		}
	}

	i := sort.Search(len(vm.regions), func(i int) bool {
		_, hi := vm.regions[i].span()
		return hi > addr
	})

	if i == len(vm.regions) {
		return nil, false
	}

	reg := vm.regions[i]
	lo, _ := reg.span()
	if addr < lo {
		return nil, false
	}

	vm.tlb.Add(page, reg)

	return reg, true
}

func (vm *VirtualMemory) overlaps(lo, hi uint64) bool {
	for _, reg := range vm.regions {
		rlo, rhi := reg.span()
		if lo < rhi && rlo < hi {
			return true
		}
	}

	return false
}

func (vm *VirtualMemory) findFree(hint, span uint64) (uint64, bool) {
	candidate := hint
	if candidate == 0 {
		candidate = MmapBase
	}

	candidate = pageRound(candidate)

	for _, reg := range vm.regions {
		rlo, rhi := reg.span()
		if candidate+span <= rlo {
			break
		}

		if candidate < rhi {
			candidate = rhi
		}
	}

	if candidate+span > MaxAddress || candidate+span < candidate {
		return 0, false
	}

	return candidate, true
}

func (vm *VirtualMemory) insert(reg *Region) {
	lo, _ := reg.span()

	i := sort.Search(len(vm.regions), func(i int) bool {
		rlo, _ := vm.regions[i].span()
		return rlo > lo
	})

	vm.regions = append(vm.regions, nil)
	copy(vm.regions[i+1:], vm.regions[i:])
	vm.regions[i] = reg

	vm.tlb.Purge()
}

func (vm *VirtualMemory) remove(reg *Region) {
	for i, r := range vm.regions {
		if r == reg {
			vm.regions = append(vm.regions[:i], vm.regions[i+1:]...)
			break
		}
	}

	reg.released = true
	vm.tlb.Purge()
}

// place picks the span for a new region and returns the usable start.
func (vm *VirtualMemory) place(hint, size uint64, flags Flags) (uint64, error) {
	var guard uint64
	if flags&Guard != 0 {
		guard = PageSize
	}

	span := size + 2*guard

	if flags&Fixed != 0 {
		if !pageAligned(hint) || hint < MinAddress+guard || hint+size+guard > MaxAddress {
			return 0, errors.Wrapf(ErrBadRegionRequest, "fixed address %#x", hint)
		}

		if vm.overlaps(hint-guard, hint+size+guard) {
			return 0, errors.Wrapf(ErrRegionConflict, "fixed address %#x size %#x", hint, size)
		}

		return hint, nil
	}

	lo, ok := vm.findFree(hint, span)
	if !ok {
		return 0, errors.Wrapf(ErrNoSpace, "size %#x", size)
	}

	return lo + guard, nil
}

// Reserve claims guest address space. The region starts out reserved: it
// occupies the range but every access faults until it is committed.
func (vm *VirtualMemory) Reserve(hint, size uint64, prot Prot, flags Flags) (*Region, error) {
	if size == 0 || !prot.Valid() {
		return nil, ErrBadRegionRequest
	}

	if size > MaxAddress-MinAddress {
		return nil, errors.Wrapf(ErrNoSpace, "size %#x", size)
	}

	size = pageRound(size)

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if budget := vm.reserveBudget(); vm.reserved+size > budget {
		return nil, errors.Wrapf(ErrMemoryLimit, "reserving %#x bytes with %#x reserved", size, vm.reserved)
	}

	start, err := vm.place(hint, size, flags)
	if err != nil {
		return nil, err
	}

	mapping, err := vm.host.Map(size)
	if err != nil {
		return nil, err
	}

	reg := &Region{
		Start:   start,
		Size:    size,
		guard:   flags&Guard != 0,
		prot:    newProtMap(size/PageSize, prot),
		mapping: mapping,
	}

	vm.insert(reg)
	vm.reserved += size

	vm.L.Trace("reserve", "addr", hclog.Fmt("%#x", start), "size", hclog.Fmt("%#x", size), "prot", prot)

	return reg, nil
}

// Commit backs a reserved region with host memory.
func (vm *VirtualMemory) Commit(reg *Region) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if reg.released {
		return ErrReleased
	}

	if reg.state == Committed {
		return nil
	}

	if vm.limit != 0 && vm.committed+reg.Size > vm.limit {
		return errors.Wrapf(ErrMemoryLimit, "committing %#x bytes with %#x in use", reg.Size, vm.committed)
	}

	err := vm.applyProt(reg, 0, reg.prot.pages)
	if err != nil {
		return err
	}

	reg.state = Committed
	vm.committed += reg.Size
	vm.tlb.Purge()

	return nil
}

// applyProt pushes the protection of pages [first, last) to the host.
func (vm *VirtualMemory) applyProt(reg *Region, first, last uint64) error {
	if reg.seg != nil {
		return nil
	}

	return reg.prot.each(first, last, func(first, last uint64, prot Prot) error {
		return reg.mapping.Protect(first*PageSize, (last-first)*PageSize, prot)
	})
}

// Decommit drops the contents of a region and returns it to reserved.
func (vm *VirtualMemory) Decommit(reg *Region) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if reg.released {
		return ErrReleased
	}

	if reg.state != Committed || reg.seg != nil {
		return nil
	}

	err := reg.mapping.Protect(0, reg.Size, ProtNone)
	if err != nil {
		return err
	}

	err = reg.mapping.Discard(0, reg.Size)
	if err != nil {
		return err
	}

	reg.state = Reserved
	vm.committed -= reg.Size
	vm.tlb.Purge()

	return nil
}

// Protect changes the protection of a whole region.
func (vm *VirtualMemory) Protect(ctx context.Context, reg *Region, prot Prot) error {
	return vm.ProtectRange(ctx, reg.Start, reg.Size, prot)
}

// ProtectRange changes the protection of every page in [addr, addr+size).
// The range must lie inside reserved regions. Threads that might be
// executing in the range are paused for the duration of the change.
func (vm *VirtualMemory) ProtectRange(ctx context.Context, addr, size uint64, prot Prot) error {
	if !pageAligned(addr) || size == 0 || !prot.Valid() {
		return ErrBadRegionRequest
	}

	size = pageRound(size)
	end := addr + size

	vm.mu.RLock()
	q := vm.quiescer
	vm.mu.RUnlock()

	if q != nil {
		resume := q.Quiesce(ctx, addr, end)
		defer resume()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	type change struct {
		reg         *Region
		first, last uint64
	}

	var changes []change

	for cur := addr; cur < end; {
		reg, ok := vm.findRegion(cur)
		if !ok || !reg.Contains(cur) {
			return errors.Wrapf(ErrInvalidRange, "no region at %#x", cur)
		}

		stop := reg.End()
		if stop > end {
			stop = end
		}

		changes = append(changes, change{
			reg:   reg,
			first: (cur - reg.Start) / PageSize,
			last:  (stop - reg.Start) / PageSize,
		})

		cur = stop
	}

	for _, c := range changes {
		c.reg.prot.set(c.first, c.last, prot)

		if c.reg.state == Committed {
			err := vm.applyProt(c.reg, c.first, c.last)
			if err != nil {
				return err
			}
		}
	}

	vm.tlb.Purge()

	return nil
}

// Release removes the region from the address space and frees its backing.
func (vm *VirtualMemory) Release(reg *Region) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.release(reg)
}

func (vm *VirtualMemory) release(reg *Region) error {
	if reg.released {
		return ErrReleased
	}

	if reg.state == Committed {
		vm.committed -= reg.Size
	}

	vm.reserved -= reg.Size
	vm.remove(reg)

	if reg.seg != nil {
		return reg.seg.Put()
	}

	return reg.mapping.Release()
}

// Unmap releases every region inside [addr, addr+size). Regions that are
// only partly covered are rejected.
func (vm *VirtualMemory) Unmap(addr, size uint64) error {
	if !pageAligned(addr) || size == 0 {
		return ErrBadRegionRequest
	}

	end := addr + pageRound(size)

	vm.mu.Lock()
	defer vm.mu.Unlock()

	var doomed []*Region

	for _, reg := range vm.regions {
		if reg.End() <= addr || reg.Start >= end {
			continue
		}

		if reg.Start < addr || reg.End() > end {
			return errors.Wrapf(ErrInvalidRange, "region %#x-%#x", reg.Start, reg.End())
		}

		doomed = append(doomed, reg)
	}

	var first error

	for _, reg := range doomed {
		err := vm.release(reg)
		if err != nil && first == nil {
			first = err
		}
	}

	return first
}

// ReleaseAll tears down the whole address space.
func (vm *VirtualMemory) ReleaseAll() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	var first error

	for len(vm.regions) > 0 {
		err := vm.release(vm.regions[0])
		if err != nil && first == nil {
			first = err
		}
	}

	return first
}

// check validates an access of n bytes starting at addr within a single
// region and returns the region and the number of bytes it can serve.
// Callers hold mu.
func (vm *VirtualMemory) check(addr, n uint64, access Access) (*Region, uint64, error) {
	reg, ok := vm.findRegion(addr)
	if !ok {
		return nil, 0, &Fault{Addr: addr, Access: access, Reason: FaultUnmapped}
	}

	if !reg.Contains(addr) {
		return nil, 0, &Fault{Addr: addr, Access: access, Reason: FaultGuard}
	}

	if reg.state != Committed {
		return nil, 0, &Fault{Addr: addr, Access: access, Reason: FaultUncommitted}
	}

	avail := reg.End() - addr
	if n < avail {
		avail = n
	}

	first := (addr - reg.Start) / PageSize
	last := (addr + avail - 1 - reg.Start) / PageSize

	err := reg.prot.each(first, last+1, func(i, _ uint64, prot Prot) error {
		if prot.Allows(access) {
			return nil
		}

		fa := reg.Start + i*PageSize
		if fa < addr {
			fa = addr
		}

		return &Fault{Addr: fa, Access: access, Reason: FaultProtection}
	})
	if err != nil {
		return nil, 0, err
	}

	return reg, avail, nil
}

// Translate returns the host address backing the guest address, provided
// the page is committed and permits access.
func (vm *VirtualMemory) Translate(addr uint64, access Access) (uintptr, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	reg, _, err := vm.check(addr, 1, access)
	if err != nil {
		return 0, err
	}

	buf := reg.mapping.Bytes()

	return uintptr(unsafe.Pointer(&buf[addr-reg.Start])), nil
}

// Check validates an access without performing it.
func (vm *VirtualMemory) Check(addr, n uint64, access Access) error {
	if n == 0 {
		return nil
	}

	if addr+n < addr {
		return &Fault{Addr: addr, Access: access, Reason: FaultUnmapped}
	}

	vm.mu.RLock()
	defer vm.mu.RUnlock()

	for n > 0 {
		_, avail, err := vm.check(addr, n, access)
		if err != nil {
			return err
		}

		addr += avail
		n -= avail
	}

	return nil
}

// copy moves bytes between p and guest memory. The copy happens with the
// layout lock held so the backing cannot be unmapped underneath it.
func (vm *VirtualMemory) copy(addr uint64, p []byte, access Access) error {
	if uint64(len(p)) == 0 {
		return nil
	}

	if addr+uint64(len(p)) < addr {
		return &Fault{Addr: addr, Access: access, Reason: FaultUnmapped}
	}

	vm.mu.RLock()
	defer vm.mu.RUnlock()

	// validate everything first so a faulting write leaves memory untouched
	cur, left := addr, uint64(len(p))
	for left > 0 {
		_, avail, err := vm.check(cur, left, access)
		if err != nil {
			return err
		}

		cur += avail
		left -= avail
	}

	cur = addr
	for len(p) > 0 {
		reg, avail, _ := vm.check(cur, uint64(len(p)), access)
		off := cur - reg.Start
		buf := reg.mapping.Bytes()[off : off+avail]

		if access == AccessWrite {
			copy(buf, p[:avail])
		} else {
			copy(p[:avail], buf)
		}

		p = p[avail:]
		cur += avail
	}

	return nil
}

// Read copies guest memory at addr into p.
func (vm *VirtualMemory) Read(addr uint64, p []byte) error {
	return vm.copy(addr, p, AccessRead)
}

// Write copies p into guest memory at addr.
func (vm *VirtualMemory) Write(addr uint64, p []byte) error {
	return vm.copy(addr, p, AccessWrite)
}

// Fetch reads instruction bytes; the pages must be executable.
func (vm *VirtualMemory) Fetch(addr uint64, p []byte) error {
	return vm.copy(addr, p, AccessExec)
}
