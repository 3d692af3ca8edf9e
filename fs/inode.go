package fs

import (
	"context"
	"io"
	"os"
	"time"
)

// InodeType enumerates types of Inodes.
type InodeType int

const (
	// RegularFile is a regular file.
	RegularFile InodeType = iota

	// Directory is a directory.
	Directory

	// Symlink is a symbolic link.
	Symlink

	// Pipe is a named pipe.
	Pipe

	// Socket is a socket.
	Socket

	// CharacterDevice is a character device.
	CharacterDevice

	// BlockDevice is a block device.
	BlockDevice

	// Anonymous is an anonymous type when none of the above apply.
	Anonymous
)

// String returns a human-readable representation of the InodeType.
func (n InodeType) String() string {
	switch n {
	case RegularFile:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Pipe:
		return "pipe"
	case Socket:
		return "socket"
	case CharacterDevice:
		return "character-device"
	case BlockDevice:
		return "block-device"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

type InodeStableAttr struct {
	// Type is the InodeType of the inode.
	Type InodeType

	// DeviceID is the device on which the inode resides.
	DeviceID uint64

	// InodeID uniquely identifies the inode on its device.
	InodeID uint64

	// BlockSize is the block size of data backing this inode.
	BlockSize int64
}

func (attr *InodeStableAttr) SetType(mode os.FileMode) {
	switch mode & os.ModeType {
	case 0:
		attr.Type = RegularFile
	case os.ModeDir:
		attr.Type = Directory
	case os.ModeSymlink:
		attr.Type = Symlink
	case os.ModeNamedPipe:
		attr.Type = Pipe
	case os.ModeSocket:
		attr.Type = Socket
	case os.ModeDevice | os.ModeCharDevice:
		attr.Type = CharacterDevice
	case os.ModeDevice:
		attr.Type = BlockDevice
	default:
		attr.Type = Anonymous
	}
}

// InodeUnstableAttr contains Inode attributes that may change over the
// lifetime of the Inode.
type InodeUnstableAttr struct {
	// Size is the file size in bytes.
	Size int64

	// Perms is the protection (read/write/execute for user/group/other).
	Perms int

	UserId, GroupId int

	// ModificationTime is the time of last modification.
	ModificationTime time.Time

	// Links is the number of hard links.
	Links uint64
}

// OpenFlags select how Open prepares a file. They use the guest's O_*
// numbering.
type OpenFlags int

type InodeOps interface {
	LookupChild(ctx context.Context, inode *Inode, name string) (*Inode, error)
	UnstableAttr(ctx context.Context, inode *Inode) (*InodeUnstableAttr, error)
	ReadLink(ctx context.Context, inode *Inode) (string, error)
	Open(ctx context.Context, inode *Inode, flags OpenFlags) (io.ReadWriteCloser, error)
	Create(ctx context.Context, inode *Inode, name string, flags OpenFlags) (io.ReadWriteCloser, error)
}

type Inode struct {
	StableAttr InodeStableAttr

	Ops InodeOps
}

func NewInode(attr InodeStableAttr, ops InodeOps) *Inode {
	return &Inode{StableAttr: attr, Ops: ops}
}
