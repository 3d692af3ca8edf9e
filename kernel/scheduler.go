package kernel

import (
	"context"
)

// Host nice range guest priorities are spread over.
const (
	minNice = -20
	maxNice = 19
)

// HostNice maps a guest priority onto the host nice scale.
func HostNice(prio int) int {
	if prio < MinPriority {
		prio = MinPriority
	}

	if prio > MaxPriority {
		prio = MaxPriority
	}

	return minNice + (prio-MinPriority)*(maxNice-minNice)/(MaxPriority-MinPriority)
}

// Quiesce suspends every thread of the process except the caller's own, so
// the address space can change under them. The returned function resumes
// them.
func (p *Process) Quiesce(ctx context.Context, start, end uint64) func() {
	var self *Thread

	if task, ok := GetTask(ctx); ok {
		self = task.Thread
	}

	var paused []*Thread

	for _, t := range p.Threads() {
		if t == self {
			continue
		}

		if err := t.Suspend(self); err != nil {
			continue
		}

		paused = append(paused, t)
	}

	if len(paused) > 0 {
		p.L.Trace("quiesced", "threads", len(paused), "start", start, "end", end)
	}

	return func() {
		for _, t := range paused {
			t.Resume()
		}
	}
}
