package abi

type Signal int

const (
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGQUIT Signal = 3
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGABRT Signal = 6
	SIGFPE  Signal = 8
	SIGKILL Signal = 9
	SIGBUS  Signal = 10
	SIGSEGV Signal = 11
	SIGTERM Signal = 15
	SIGSTOP Signal = 17
	SIGCHLD Signal = 20
	SIGUSR1 Signal = 30
	SIGUSR2 Signal = 31

	NSIG = 64
)

// Valid reports whether s can be queued on a thread.
func (s Signal) Valid() bool {
	return s > 0 && s < NSIG
}

// Fatal reports whether the default action for s terminates the process.
func (s Signal) Fatal() bool {
	switch s {
	case SIGCHLD, SIGUSR1, SIGUSR2:
		return false
	}

	return true
}
