package kernel

import (
	"fmt"
	"sync"

	"github.com/bayedieng/obliteration/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Handle is a guest visible index into a process handle table.
type Handle int32

type ObjectType int

const (
	TypeMutex ObjectType = iota + 1
	TypeCondVar
	TypeEvent
	TypeSemaphore
	TypeFile
	TypeSharedMemory
	TypeGpuQueue
)

var typeNames = map[ObjectType]string{
	TypeMutex:        "mutex",
	TypeCondVar:      "condvar",
	TypeEvent:        "event",
	TypeSemaphore:    "semaphore",
	TypeFile:         "file",
	TypeSharedMemory: "shared-memory",
	TypeGpuQueue:     "gpu-queue",
}

func (t ObjectType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}

	return fmt.Sprintf("object(%d)", int(t))
}

// Object is a kernel object reachable through handles.
type Object interface {
	Type() ObjectType

	// Destroy releases the host side of the object. It is called once,
	// when the last handle is closed and no operation is using it.
	Destroy() error
}

// MaxHandles bounds the size of one handle table.
const MaxHandles = 4096

var (
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrWrongType      = errors.New("handle refers to another object type")
	ErrTooManyHandles = errors.New("handle table full")
)

// entry is the arena slot shared by every handle naming the same object.
// refs counts those handles plus the lookups still in progress.
type entry struct {
	obj  Object
	refs int
}

// HandleTable maps handles to objects for one process.
type HandleTable struct {
	L hclog.Logger

	mu    sync.Mutex
	slots []*entry
	open  int
}

func NewHandleTable() *HandleTable {
	return &HandleTable{L: log.Named("handles")}
}

// place puts ent in the lowest free slot. Callers hold mu.
func (ht *HandleTable) place(ent *entry) (Handle, error) {
	for i, s := range ht.slots {
		if s == nil {
			ht.slots[i] = ent
			ht.open++
			return Handle(i), nil
		}
	}

	if len(ht.slots) >= MaxHandles {
		return -1, ErrTooManyHandles
	}

	ht.slots = append(ht.slots, ent)
	ht.open++

	return Handle(len(ht.slots) - 1), nil
}

func (ht *HandleTable) get(h Handle) (*entry, bool) {
	if h < 0 || int(h) >= len(ht.slots) {
		return nil, false
	}

	ent := ht.slots[h]

	return ent, ent != nil
}

// Allocate stores obj under the smallest unused handle.
func (ht *HandleTable) Allocate(obj Object) (Handle, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	h, err := ht.place(&entry{obj: obj, refs: 1})
	if err != nil {
		return -1, err
	}

	ht.L.Trace("handle-allocate", "handle", h, "type", obj.Type())

	return h, nil
}

// Duplicate returns a second handle for the object behind h.
func (ht *HandleTable) Duplicate(h Handle) (Handle, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	ent, ok := ht.get(h)
	if !ok {
		return -1, errors.Wrapf(ErrInvalidHandle, "handle %d", h)
	}

	dup, err := ht.place(ent)
	if err != nil {
		return -1, err
	}

	ent.refs++

	return dup, nil
}

// unref drops one reference and reports whether the object must be
// destroyed. Callers hold mu.
func (ent *entry) unref() bool {
	ent.refs--
	return ent.refs == 0
}

// Close frees h for reuse. The object is destroyed once nothing refers to
// it any more.
func (ht *HandleTable) Close(h Handle) error {
	ht.mu.Lock()

	ent, ok := ht.get(h)
	if !ok {
		ht.mu.Unlock()
		return errors.Wrapf(ErrInvalidHandle, "handle %d", h)
	}

	ht.slots[h] = nil
	ht.open--

	dead := ent.unref()

	ht.mu.Unlock()

	ht.L.Trace("handle-close", "handle", h, "type", ent.obj.Type(), "destroy", dead)

	if dead {
		return ent.obj.Destroy()
	}

	return nil
}

// Lookup returns the object behind h. The object stays alive until release
// is called, even if h is closed meanwhile.
func (ht *HandleTable) Lookup(h Handle) (obj Object, release func(), err error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	ent, ok := ht.get(h)
	if !ok {
		return nil, nil, errors.Wrapf(ErrInvalidHandle, "handle %d", h)
	}

	ent.refs++

	var once sync.Once

	release = func() {
		once.Do(func() {
			ht.mu.Lock()
			dead := ent.unref()
			ht.mu.Unlock()

			if dead {
				ent.obj.Destroy()
			}
		})
	}

	return ent.obj, release, nil
}

// LookupType is Lookup restricted to one object type.
func (ht *HandleTable) LookupType(h Handle, typ ObjectType) (Object, func(), error) {
	obj, release, err := ht.Lookup(h)
	if err != nil {
		return nil, nil, err
	}

	if obj.Type() != typ {
		release()
		return nil, nil, errors.Wrapf(ErrWrongType, "handle %d is a %s, not a %s", h, obj.Type(), typ)
	}

	return obj, release, nil
}

// Len is the number of open handles.
func (ht *HandleTable) Len() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	return ht.open
}

// CloseAll closes every handle, destroying objects no lookup still holds.
func (ht *HandleTable) CloseAll() error {
	ht.mu.Lock()

	var dead []*entry

	for i, ent := range ht.slots {
		if ent == nil {
			continue
		}

		ht.slots[i] = nil

		if ent.unref() {
			dead = append(dead, ent)
		}
	}

	ht.slots = nil
	ht.open = 0

	ht.mu.Unlock()

	var first error

	for _, ent := range dead {
		err := ent.obj.Destroy()
		if err != nil && first == nil {
			first = err
		}
	}

	return first
}
