//go:build !linux

package kernel

import hclog "github.com/hashicorp/go-hclog"

func applyHostHints(l hclog.Logger, prio int, mask uint64) {
	l.Trace("thread hints not supported on this host", "priority", prio, "mask", mask)
}
