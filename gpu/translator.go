package gpu

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/bayedieng/obliteration/log"
	"github.com/bayedieng/obliteration/shader"
	"github.com/davecgh/go-spew/spew"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const (
	// MaxSlots is the number of resource binding slots per queue.
	MaxSlots = shader.MaxSamplers

	// MaxShaderSize bounds the bytecode read for one SET_SHADER packet.
	MaxShaderSize = 64 << 10
)

var (
	ErrUnknownResource = errors.New("unknown gpu resource")
	ErrQueueClosed     = errors.New("gpu queue closed")
	ErrClosed          = errors.New("gpu translator closed")
)

// Memory is the guest address space the translator reads shaders from and
// writes fences into.
type Memory interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// Diagnostic describes a packet that was skipped or only partly applied.
type Diagnostic struct {
	Queue   int
	Offset  int
	Op      Opcode
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("queue %d dword %d %s: %s", d.Queue, d.Offset, d.Op, d.Message)
}

// Resource is a guest GPU resource and its host counterpart.
type Resource struct {
	ID     uint32
	Desc   Descriptor
	Handle HostHandle
}

// Translator owns the GPU state of one guest process: its resources and
// queues.
type Translator struct {
	L hclog.Logger

	dev     Device
	mem     Memory
	shaders *shader.Compiler
	report  func(Diagnostic)

	mu        sync.Mutex
	resources map[uint32]*Resource
	queues    map[int]*Queue
	nextQueue int
	closed    bool
}

func NewTranslator(dev Device, mem Memory, shaders *shader.Compiler, report func(Diagnostic)) *Translator {
	if report == nil {
		report = func(Diagnostic) {}
	}

	return &Translator{
		L:         log.Named("gpu"),
		dev:       dev,
		mem:       mem,
		shaders:   shaders,
		report:    report,
		resources: make(map[uint32]*Resource),
		queues:    make(map[int]*Queue),
	}
}

// resolve finds resource id, creating it from desc when it is new. A nil desc
// never creates anything.
func (tr *Translator) resolve(id uint32, desc *Descriptor) (*Resource, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.closed {
		return nil, ErrClosed
	}

	if res, ok := tr.resources[id]; ok {
		return res, nil
	}

	if desc == nil {
		return nil, errors.Wrapf(ErrUnknownResource, "resource %d", id)
	}

	h, err := tr.dev.CreateResource(*desc)
	if err != nil {
		return nil, errors.Wrapf(err, "creating resource %d", id)
	}

	res := &Resource{ID: id, Desc: *desc, Handle: h}
	tr.resources[id] = res

	tr.L.Debug("resource-created", "id", id, "kind", desc.Kind, "width", desc.Width, "height", desc.Height)

	return res, nil
}

// Resource looks up a live resource.
func (tr *Translator) Resource(id uint32) (*Resource, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	res, ok := tr.resources[id]
	return res, ok
}

func (tr *Translator) Resources() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return len(tr.resources)
}

// Release destroys a resource. Slots still naming it become dangling.
func (tr *Translator) Release(id uint32) error {
	tr.mu.Lock()
	res, ok := tr.resources[id]
	if ok {
		delete(tr.resources, id)
	}
	tr.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrUnknownResource, "resource %d", id)
	}

	tr.L.Debug("resource-released", "id", id)

	return tr.dev.DestroyResource(res.Handle)
}

// Close discards every queue's pending work and destroys all resources.
func (tr *Translator) Close() error {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return nil
	}

	tr.closed = true

	queues := make([]*Queue, 0, len(tr.queues))
	for _, q := range tr.queues {
		queues = append(queues, q)
	}
	tr.mu.Unlock()

	for _, q := range queues {
		q.Close(true)
	}

	tr.mu.Lock()
	ids := make([]int, 0, len(tr.resources))
	for id := range tr.resources {
		ids = append(ids, int(id))
	}
	tr.mu.Unlock()

	sort.Ints(ids)

	var first error

	for _, id := range ids {
		err := tr.Release(uint32(id))
		if err != nil && first == nil {
			first = err
		}
	}

	return first
}

func (tr *Translator) removeQueue(q *Queue) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	delete(tr.queues, q.ID)
}

type slotBinding struct {
	bound bool
	id    uint32
}

type shaderBinding struct {
	bound bool
	prog  *shader.Program
	err   error
}

// bindState is the per-queue binding state touched by draws.
type bindState struct {
	slots   [MaxSlots]slotBinding
	shaders [shader.StageCompute + 1]shaderBinding
}

type packetError struct {
	msg string
}

func (e *packetError) Error() string {
	return e.msg
}

func skip(format string, args ...interface{}) error {
	return &packetError{msg: fmt.Sprintf(format, args...)}
}

func need(pkt *Packet, n int) error {
	if len(pkt.Body) < n {
		return skip("body has %d dwords, need %d", len(pkt.Body), n)
	}

	return nil
}

// apply executes one packet against the queue's state. Returned errors are
// diagnostics: the packet had no effect or only part of it.
func (tr *Translator) apply(q *Queue, pkt *Packet) error {
	if tr.L.IsTrace() {
		tr.L.Trace("packet", "queue", q.ID, "dump", spew.Sdump(pkt))
	}

	st := &q.state

	switch pkt.Op {
	case OpNop:
		return nil

	case OpSetResource:
		if err := need(pkt, 2); err != nil {
			return err
		}

		slot, id := pkt.Body[0], pkt.Body[1]
		if slot >= MaxSlots {
			return skip("slot %d out of range", slot)
		}

		var desc *Descriptor
		if len(pkt.Body) >= 6 && pkt.Body[2] != uint32(KindNone) {
			desc = &Descriptor{
				Kind:   ResourceKind(pkt.Body[2]),
				Width:  pkt.Body[3],
				Height: pkt.Body[4],
				Format: pkt.Body[5],
			}
		}

		st.slots[slot] = slotBinding{bound: true, id: id}

		_, err := tr.resolve(id, desc)
		if err != nil && desc != nil {
			return skip("%s", err)
		}

		return nil

	case OpSetShader:
		if err := need(pkt, 4); err != nil {
			return err
		}

		stage := shader.Stage(pkt.Body[0])
		if stage > shader.StageCompute {
			return skip("unknown shader stage %d", pkt.Body[0])
		}

		addr := uint64(pkt.Body[1]) | uint64(pkt.Body[2])<<32
		size := pkt.Body[3]

		if size > MaxShaderSize {
			st.shaders[stage] = shaderBinding{bound: true, err: errors.New("shader too large")}
			return skip("shader of %d bytes too large", size)
		}

		code := make([]byte, size)

		err := tr.mem.Read(addr, code)
		if err != nil {
			st.shaders[stage] = shaderBinding{bound: true, err: err}
			return skip("reading shader at %#x: %s", addr, err)
		}

		prog, err := tr.shaders.Get(code)
		st.shaders[stage] = shaderBinding{bound: true, prog: prog, err: err}

		if err != nil {
			return skip("%s shader unsupported: %s", stage, err)
		}

		return nil

	case OpDrawIndexAuto:
		if err := need(pkt, 1); err != nil {
			return err
		}

		cmd := &Command{Kind: CmdDraw, Count: [3]uint32{pkt.Body[0], 1, 1}}

		return tr.issue(st, cmd, shader.StageVertex, shader.StagePixel)

	case OpDispatchDirect:
		if err := need(pkt, 3); err != nil {
			return err
		}

		cmd := &Command{Kind: CmdDispatch, Count: [3]uint32{pkt.Body[0], pkt.Body[1], pkt.Body[2]}}

		return tr.issue(st, cmd, shader.StageCompute)

	case OpReleaseMem:
		if err := need(pkt, 3); err != nil {
			return err
		}

		addr := uint64(pkt.Body[0]) | uint64(pkt.Body[1])<<32

		value := uint64(pkt.Body[2])
		if len(pkt.Body) >= 4 {
			value |= uint64(pkt.Body[3]) << 32
		}

		var perr error

		if err := tr.dev.Fence(); err != nil {
			perr = skip("host fence failed: %s", err)
		}

		if addr != 0 {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], value)

			if err := tr.mem.Write(addr, buf[:]); err != nil {
				perr = skip("writing fence to %#x: %s", addr, err)
			}
		}

		// the fence is signalled even when the write failed so waiters
		// are not stranded
		q.signal(value)

		return perr

	case OpReleaseResource:
		if err := need(pkt, 1); err != nil {
			return err
		}

		if err := tr.Release(pkt.Body[0]); err != nil {
			return skip("%s", err)
		}

		return nil

	case OpPresent:
		if err := need(pkt, 1); err != nil {
			return err
		}

		slot := pkt.Body[0]
		if slot >= MaxSlots {
			return skip("slot %d out of range", slot)
		}

		res, err := tr.bound(st, int(slot))
		if err != nil {
			return err
		}

		if err := tr.dev.Present(res.Handle); err != nil {
			return skip("present failed: %s", err)
		}

		return nil

	default:
		return skip("unsupported opcode")
	}
}

func (tr *Translator) bound(st *bindState, slot int) (*Resource, error) {
	sb := st.slots[slot]
	if !sb.bound {
		return nil, skip("slot %d is not bound", slot)
	}

	res, ok := tr.Resource(sb.id)
	if !ok {
		return nil, skip("slot %d names missing resource %d", slot, sb.id)
	}

	return res, nil
}

// issue validates the shaders and bindings a command depends on and sends it
// to the device. The last stage listed is mandatory.
func (tr *Translator) issue(st *bindState, cmd *Command, stages ...shader.Stage) error {
	var slots []int

	for i, stage := range stages {
		sb := st.shaders[stage]

		if !sb.bound {
			if i == len(stages)-1 {
				return skip("no %s shader bound", stage)
			}
			continue
		}

		if sb.err != nil {
			return skip("%s shader failed to translate", stage)
		}

		cmd.Programs[stage] = sb.prog
		slots = append(slots, sb.prog.Samplers()...)
	}

	sort.Ints(slots)

	for i, slot := range slots {
		if i > 0 && slots[i-1] == slot {
			continue
		}

		res, err := tr.bound(st, slot)
		if err != nil {
			return err
		}

		cmd.Bindings = append(cmd.Bindings, Binding{Slot: slot, Resource: res.Handle})
	}

	if err := tr.dev.Execute(cmd); err != nil {
		return skip("host %s failed: %s", cmd.Kind, err)
	}

	return nil
}
