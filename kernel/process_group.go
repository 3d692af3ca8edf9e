package kernel

import (
	"context"
	"sync"

	"github.com/bayedieng/obliteration/log"
	"github.com/bayedieng/obliteration/pkg/ilist"
	"github.com/bayedieng/obliteration/pkg/waiter"
)

// ProcessGroup tracks processes until their exit has been collected.
type ProcessGroup struct {
	mu sync.RWMutex

	processCount int
	processes    ilist.List

	events waiter.Waiter
}

func NewProcessGroup() *ProcessGroup {
	return &ProcessGroup{}
}

func (pg *ProcessGroup) Len() int {
	pg.mu.RLock()
	defer pg.mu.RUnlock()

	return pg.processCount
}

func (pg *ProcessGroup) Add(p *Process) {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	pg.processCount++
	pg.processes.PushBack(p)
}

func (pg *ProcessGroup) ReapAny(ctx context.Context, block bool) (*Process, error) {
	if !block {
		return pg.reapOnce()
	}

	c := make(chan struct{}, 1)
	ev := pg.events.RegisterChannel(waiter.EventExit, c)
	defer pg.events.Unregister(ev)

	for {
		process, err := pg.reapOnce()
		if err != nil {
			return nil, err
		}

		if process != nil {
			return process, nil
		}

		log.L.Trace("process-waiting-reap")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c:
			// ok, try the loop again
		}
	}
}

func (pg *ProcessGroup) reapOnce() (*Process, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	log.L.Trace("process-reap-once", "count", pg.processCount)

	for it := pg.processes.Front(); it != nil; it = it.Next() {
		p := it.(*Process)

		if p.Status() == Dead {
			pg.processCount--
			pg.processes.Remove(p)
			return p, nil
		}
	}

	return nil, nil
}

func (pg *ProcessGroup) ProcessExited(p *Process) {
	log.L.Trace("process-exited", "pid", p.Pid)
	pg.events.Notify(waiter.EventExit)
}
