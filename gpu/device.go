package gpu

import (
	"fmt"
	"sync"

	"github.com/bayedieng/obliteration/shader"
	"github.com/pkg/errors"
)

// HostHandle names a resource on the host device.
type HostHandle uint64

type ResourceKind uint32

const (
	KindNone ResourceKind = iota
	KindBuffer
	KindTexture
	KindRenderTarget
)

func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture:
		return "texture"
	case KindRenderTarget:
		return "render-target"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Descriptor is the guest's description of a resource.
type Descriptor struct {
	Kind          ResourceKind
	Width, Height uint32
	Format        uint32
}

type CommandKind int

const (
	CmdDraw CommandKind = iota
	CmdDispatch
)

func (k CommandKind) String() string {
	if k == CmdDispatch {
		return "dispatch"
	}

	return "draw"
}

type Binding struct {
	Slot     int
	Resource HostHandle
}

// Command is a translated draw or dispatch with its full binding state.
type Command struct {
	Kind     CommandKind
	Count    [3]uint32
	Programs [shader.StageCompute + 1]*shader.Program
	Bindings []Binding
}

// Device is the host graphics API as seen by the translator.
type Device interface {
	CreateResource(desc Descriptor) (HostHandle, error)
	DestroyResource(h HostHandle) error
	Execute(cmd *Command) error
	Present(h HostHandle) error

	// Fence returns once every command issued so far has completed.
	Fence() error
}

type RecordKind int

const (
	RecCreate RecordKind = iota
	RecDestroy
	RecDraw
	RecDispatch
	RecPresent
	RecFence
)

var recordNames = [...]string{"create", "destroy", "draw", "dispatch", "present", "fence"}

func (k RecordKind) String() string {
	return recordNames[k]
}

// Record is one host call observed by a Recorder.
type Record struct {
	Kind     RecordKind
	Handle   HostHandle
	Desc     Descriptor
	Count    [3]uint32
	Bindings []Binding

	// Color is the pixel shader result for draws.
	Color [shader.NumOutputs]float32
}

// Recorder is a headless Device that keeps every call in order.
type Recorder struct {
	mu      sync.Mutex
	next    HostHandle
	live    map[HostHandle]Descriptor
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{live: make(map[HostHandle]Descriptor)}
}

func (r *Recorder) add(rec Record) {
	r.records = append(r.records, rec)
}

func (r *Recorder) CreateResource(desc Descriptor) (HostHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.live[r.next] = desc
	r.add(Record{Kind: RecCreate, Handle: r.next, Desc: desc})

	return r.next, nil
}

func (r *Recorder) DestroyResource(h HostHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[h]; !ok {
		return errors.Errorf("unknown host resource %d", h)
	}

	delete(r.live, h)
	r.add(Record{Kind: RecDestroy, Handle: h})

	return nil
}

// sampler reads a bound resource as its width scaled by the coordinates.
type sampler struct {
	bound map[int]Descriptor
}

func (s sampler) Sample(slot int, u, v float32) float32 {
	d, ok := s.bound[slot]
	if !ok {
		return 0
	}

	return float32(d.Width) * u
}

func (r *Recorder) Execute(cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bindings := make([]Binding, len(cmd.Bindings))
	copy(bindings, cmd.Bindings)

	rec := Record{Count: cmd.Count, Bindings: bindings}

	if cmd.Kind == CmdDispatch {
		rec.Kind = RecDispatch
	} else {
		rec.Kind = RecDraw

		if ps := cmd.Programs[shader.StagePixel]; ps != nil {
			s := sampler{bound: make(map[int]Descriptor)}
			for _, b := range cmd.Bindings {
				s.bound[b.Slot] = r.live[b.Resource]
			}

			rec.Color = ps.Exec([]float32{float32(cmd.Count[0])}, s)
		}
	}

	r.add(rec)

	return nil
}

func (r *Recorder) Present(h HostHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[h]; !ok {
		return errors.Errorf("presenting unknown host resource %d", h)
	}

	r.add(Record{Kind: RecPresent, Handle: h})

	return nil
}

func (r *Recorder) Fence() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.add(Record{Kind: RecFence})

	return nil
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.records))
	copy(out, r.records)

	return out
}

// Live is the number of host resources not yet destroyed.
func (r *Recorder) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.live)
}
