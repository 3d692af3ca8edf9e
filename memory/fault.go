package memory

import (
	"fmt"

	"github.com/pkg/errors"
)

type FaultReason int

const (
	FaultUnmapped FaultReason = iota
	FaultGuard
	FaultUncommitted
	FaultProtection
)

func (r FaultReason) String() string {
	switch r {
	case FaultUnmapped:
		return "unmapped"
	case FaultGuard:
		return "guard page"
	case FaultUncommitted:
		return "not committed"
	case FaultProtection:
		return "protection"
	default:
		return "unknown"
	}
}

// Fault is a guest access that the address space does not permit. It never
// reaches host memory; the scheduler turns it into a guest signal.
type Fault struct {
	Addr   uint64
	Access Access
	Reason FaultReason
}

func (f *Fault) Error() string {
	return fmt.Sprintf("memory fault: %s at %#x (%s)", f.Access, f.Addr, f.Reason)
}

// AsFault unwraps err looking for a *Fault.
func AsFault(err error) (*Fault, bool) {
	f, ok := errors.Cause(err).(*Fault)
	return f, ok
}

// HostError reports that the host could not provide a resource the guest
// needs. It is fatal for the guest process, never for the host.
type HostError struct {
	Op   string
	Size uint64
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host %s of %d bytes failed: %v", e.Op, e.Size, e.Err)
}

func (e *HostError) Cause() error {
	return e.Err
}

func IsHostError(err error) bool {
	for err != nil {
		if _, ok := err.(*HostError); ok {
			return true
		}

		c, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}

		err = c.Cause()
	}

	return false
}
