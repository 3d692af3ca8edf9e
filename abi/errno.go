package abi

import "fmt"

// Errno is a guest-visible error code. Values follow the FreeBSD numbering
// the console kernel inherited.
type Errno uint64

const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	ESRCH        Errno = 3
	EINTR        Errno = 4
	EIO          Errno = 5
	EBADF        Errno = 9
	ECHILD       Errno = 10
	EDEADLK      Errno = 11
	ENOMEM       Errno = 12
	EACCES       Errno = 13
	EFAULT       Errno = 14
	EBUSY        Errno = 16
	EEXIST       Errno = 17
	ENODEV       Errno = 19
	ENOTDIR      Errno = 20
	EISDIR       Errno = 21
	EINVAL       Errno = 22
	EMFILE       Errno = 24
	ENOSPC       Errno = 28
	EPIPE        Errno = 32
	EAGAIN       Errno = 35
	ETIMEDOUT    Errno = 60
	ELOOP        Errno = 62
	ENAMETOOLONG Errno = 63
	ENOSYS       Errno = 78

	// EJUSTRETURN is kernel internal: the handler already wrote the
	// registers the guest resumes with.
	EJUSTRETURN Errno = ^Errno(1)
)

var errnoNames = map[Errno]string{
	EPERM:        "EPERM",
	ENOENT:       "ENOENT",
	ESRCH:        "ESRCH",
	EINTR:        "EINTR",
	EIO:          "EIO",
	EBADF:        "EBADF",
	ECHILD:       "ECHILD",
	EDEADLK:      "EDEADLK",
	ENOMEM:       "ENOMEM",
	EACCES:       "EACCES",
	EFAULT:       "EFAULT",
	EBUSY:        "EBUSY",
	EEXIST:       "EEXIST",
	ENODEV:       "ENODEV",
	ENOTDIR:      "ENOTDIR",
	EISDIR:       "EISDIR",
	EINVAL:       "EINVAL",
	EMFILE:       "EMFILE",
	ENOSPC:       "ENOSPC",
	EPIPE:        "EPIPE",
	EAGAIN:       "EAGAIN",
	ETIMEDOUT:    "ETIMEDOUT",
	ELOOP:        "ELOOP",
	ENAMETOOLONG: "ENAMETOOLONG",
	ENOSYS:       "ENOSYS",

	EJUSTRETURN: "EJUSTRETURN",
}

func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}

	return fmt.Sprintf("errno %d", uint64(e))
}
