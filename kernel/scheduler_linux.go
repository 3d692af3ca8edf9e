package kernel

import (
	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// applyHostHints pins the calling OS thread and sets its nice value. Both
// are best effort; raising priority usually needs privileges.
func applyHostHints(l hclog.Logger, prio int, mask uint64) {
	if mask != 0 {
		var set unix.CPUSet

		for i := 0; i < 64; i++ {
			if mask&(1<<uint(i)) != 0 {
				set.Set(i)
			}
		}

		if err := unix.SchedSetaffinity(0, &set); err != nil {
			l.Debug("unable to set thread affinity", "mask", hclog.Fmt("%#x", mask), "error", err)
		}
	}

	nice := HostNice(prio)

	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice); err != nil {
		l.Debug("unable to set thread priority", "nice", nice, "error", err)
	}
}
