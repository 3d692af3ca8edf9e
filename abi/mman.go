package abi

const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4

	MAP_SHARED  = 0x0001
	MAP_PRIVATE = 0x0002
	MAP_FIXED   = 0x0010
	MAP_ANON    = 0x1000
	MAP_GUARD   = 0x2000

	O_RDONLY  = 0x0000
	O_WRONLY  = 0x0001
	O_RDWR    = 0x0002
	O_ACCMODE = 0x0003
	O_APPEND  = 0x0008
	O_CREAT   = 0x0200
	O_TRUNC   = 0x0400
	O_EXCL    = 0x0800
)

const (
	CLOCK_REALTIME  = 0
	CLOCK_MONOTONIC = 4
)

// Timespec matches the guest's struct timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}
