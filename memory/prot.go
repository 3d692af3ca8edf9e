package memory

import "strings"

// PageSize is the guest page size. Every region boundary and protection
// change is aligned to it.
const PageSize = 0x4000

type Prot uint32

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2

	protMask = ProtRead | ProtWrite | ProtExec
)

type Access uint8

const (
	AccessRead  Access = Access(ProtRead)
	AccessWrite Access = Access(ProtWrite)
	AccessExec  Access = Access(ProtExec)
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "unknown"
	}
}

// Allows reports whether a page with protection p may be accessed with a.
func (p Prot) Allows(a Access) bool {
	return p&Prot(a) != 0
}

// Valid reports whether p only has known bits set.
func (p Prot) Valid() bool {
	return p&^protMask == 0
}

func (p Prot) String() string {
	if p == ProtNone {
		return "---"
	}

	var sb strings.Builder

	for _, x := range []struct {
		bit Prot
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&x.bit != 0 {
			sb.WriteByte(x.c)
		} else {
			sb.WriteByte('-')
		}
	}

	return sb.String()
}

type Flags uint32

const (
	// Fixed places the region exactly at the hint or fails.
	Fixed Flags = 1 << iota
	// Guard surrounds the region with one inaccessible page on each side.
	Guard
)

func pageRound(sz uint64) uint64 {
	return (sz + PageSize - 1) &^ (PageSize - 1)
}

func pageAligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}
