package fs

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrUnknownPath     = errors.New("unknown path")
	ErrNotSymlink      = errors.New("not symlink")
	ErrNotDirectory    = errors.New("not a directory")
	ErrIsDirectory     = errors.New("is a directory")
	ErrNotImplemented  = errors.New("not implemented")
	ErrSymlinkLoop     = errors.New("too many levels of symbolic links")
	ErrPermission      = errors.New("permission denied")
	ErrExists          = errors.New("file exists")
	ErrNameTooLong     = errors.New("file name too long")
	ErrInvalidArgument = errors.New("invalid argument")
)

type StandardDirOps struct{}

func (StandardDirOps) ReadLink(ctx context.Context, inode *Inode) (string, error) {
	return "", ErrNotSymlink
}

func (StandardDirOps) Open(ctx context.Context, inode *Inode, flags OpenFlags) (io.ReadWriteCloser, error) {
	return nil, ErrIsDirectory
}

type StandardFileOps struct{}

func (StandardFileOps) LookupChild(ctx context.Context, inode *Inode, name string) (*Inode, error) {
	return nil, ErrNotDirectory
}

func (StandardFileOps) Create(ctx context.Context, inode *Inode, name string, flags OpenFlags) (io.ReadWriteCloser, error) {
	return nil, ErrNotDirectory
}
