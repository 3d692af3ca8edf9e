package loader

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	ReadSelfHeaderFailed ErrorKind = iota
	InvalidSelfMagic
	ReadSelfSegmentHeaderFailed
	ReadElfHeaderFailed
	InvalidElfMagic
	UnsupportedArchitecture
	UnsupportedAbi
	ReadProgramHeaderFailed
	ReadSectionHeaderFailed
	ReadSegmentDataFailed
	InvalidSegment
	SegmentConflict
	NoEntryPoint
)

// LoadError reports why an image cannot become a process. Nothing has been
// started or registered when it is returned.
type LoadError struct {
	Kind  ErrorKind
	Index int
	Err   error
}

func (e *LoadError) Error() string {
	var msg string

	switch e.Kind {
	case ReadSelfHeaderFailed:
		msg = "cannot read SELF header"
	case InvalidSelfMagic:
		msg = "invalid SELF magic"
	case ReadSelfSegmentHeaderFailed:
		msg = fmt.Sprintf("cannot read header for SELF segment #%d", e.Index)
	case ReadElfHeaderFailed:
		msg = "cannot read ELF header"
	case InvalidElfMagic:
		msg = "invalid ELF magic"
	case UnsupportedArchitecture:
		msg = "unsupported architecture"
	case UnsupportedAbi:
		msg = "unsupported ABI"
	case ReadProgramHeaderFailed:
		msg = fmt.Sprintf("cannot read program header #%d", e.Index)
	case ReadSectionHeaderFailed:
		msg = fmt.Sprintf("cannot read section header #%d", e.Index)
	case ReadSegmentDataFailed:
		msg = fmt.Sprintf("cannot read data for segment #%d", e.Index)
	case InvalidSegment:
		msg = fmt.Sprintf("segment #%d is malformed", e.Index)
	case SegmentConflict:
		msg = fmt.Sprintf("segment #%d overlaps another segment", e.Index)
	case NoEntryPoint:
		msg = "entry point is not inside an executable segment"
	default:
		msg = "load failed"
	}

	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}

	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// AsLoadError finds a *LoadError in err's wrap chain.
func AsLoadError(err error) (*LoadError, bool) {
	var le *LoadError
	if errors.As(err, &le) {
		return le, true
	}

	return nil, false
}

func loadErr(kind ErrorKind, idx int, err error) error {
	return &LoadError{Kind: kind, Index: idx, Err: err}
}
