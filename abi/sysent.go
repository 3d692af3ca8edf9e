package abi

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MaxSyscall bounds the dispatch table. Numbers at or above it are always
// reported as unimplemented.
const MaxSyscall = 1024

// Table is a versioned assignment of kernel-call names to numbers. The
// console's numbering is not public, so the table is data: a default ships
// with the runtime and newer firmware revisions can be loaded from YAML.
type Table struct {
	Version string         `yaml:"version"`
	Calls   map[string]int `yaml:"calls"`
}

var (
	ErrDuplicateNumber = errors.New("duplicate syscall number")
	ErrNumberRange     = errors.New("syscall number out of range")
	ErrNoVersion       = errors.New("syscall table has no version")
)

// DefaultTable is the FreeBSD-derived numbering used by the base firmware,
// extended with the console specific object calls.
var DefaultTable = Table{
	Version: "orbis-1",
	Calls: map[string]int{
		"exit":          1,
		"read":          3,
		"write":         4,
		"open":          5,
		"close":         6,
		"getpid":        20,
		"kill":          37,
		"dup":           41,
		"pipe":          42,
		"munmap":        73,
		"mprotect":      74,
		"clock_gettime": 232,
		"nanosleep":     240,
		"sigaction":     416,
		"sigreturn":     417,
		"thr_exit":      431,
		"thr_self":      432,
		"thr_kill":      433,
		"thr_new":       455,
		"rtprio_thread": 466,
		"mmap":          477,

		"cpuset_setaffinity": 488,

		"mutex_create":         600,
		"mutex_lock":           601,
		"mutex_unlock":         602,
		"cond_create":          603,
		"cond_wait":            604,
		"cond_signal":          605,
		"cond_broadcast":       606,
		"event_create":         607,
		"event_set":            608,
		"event_reset":          609,
		"event_wait":           610,
		"sema_create":          611,
		"sema_wait":            612,
		"sema_signal":          613,
		"shm_create":           614,
		"shm_map":              615,
		"thr_join":             616,
		"thr_suspend":          617,
		"thr_resume":           618,
		"gpu_queue_create":     620,
		"gpu_submit":           621,
		"gpu_fence_wait":       622,
		"gpu_resource_release": 623,
		"input_read":           630,
		"priv_check":           640,
	},
}

// Validate checks that every number is in range and used once.
func (t *Table) Validate() error {
	if t.Version == "" {
		return ErrNoVersion
	}

	seen := make(map[int]string, len(t.Calls))

	for _, name := range t.Names() {
		num := t.Calls[name]

		if num < 0 || num >= MaxSyscall {
			return errors.Wrapf(ErrNumberRange, "%s=%d", name, num)
		}

		if other, ok := seen[num]; ok {
			return errors.Wrapf(ErrDuplicateNumber, "%s and %s both use %d", other, name, num)
		}

		seen[num] = name
	}

	return nil
}

// Names returns the call names in a stable order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.Calls))
	for name := range t.Calls {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// LoadTable reads a YAML syscall table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var t Table

	err = yaml.Unmarshal(data, &t)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding syscall table %s", path)
	}

	err = t.Validate()
	if err != nil {
		return nil, err
	}

	return &t, nil
}
