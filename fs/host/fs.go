// Package host exposes a host directory as a guest filesystem.
package host

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/fs"
	"github.com/bayedieng/obliteration/log"
	"github.com/pkg/errors"
)

type HostFS struct {
	root *fs.Inode
}

func NewHostFS(path string) (*HostFS, error) {
	h := &HostFS{}

	log.L.Trace("creating host fs", "path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(abs)
	if err != nil {
		log.L.Error("error stating hostfs path", "error", err)
		return nil, err
	}

	if !stat.IsDir() {
		return nil, errors.Wrapf(fs.ErrNotDirectory, "host root %s", abs)
	}

	attr := stableAttr(abs, stat)

	h.root = fs.NewInode(attr, &Dir{FSPath: FSPath{Path: abs, Info: stat}})

	return h, nil
}

func (h *HostFS) Root() *fs.Inode {
	return h.root
}

// NewNamespace is a namespace rooted at a host directory.
func NewNamespace(path string) (*fs.Namespace, error) {
	h, err := NewHostFS(path)
	if err != nil {
		return nil, err
	}

	return fs.NewNamespace(h.Root()), nil
}

type FSPath struct {
	Path string
	Info os.FileInfo
}

func (p *FSPath) UnstableAttr(ctx context.Context, inode *fs.Inode) (*fs.InodeUnstableAttr, error) {
	stat, err := os.Lstat(p.Path)
	if err != nil {
		return nil, hostError(err)
	}

	us := fs.InodeUnstableAttr{
		Size:             stat.Size(),
		Perms:            int(stat.Mode().Perm()),
		ModificationTime: stat.ModTime(),
		Links:            1,
	}

	fillOwner(p.Path, &us)

	return &us, nil
}

type Dir struct {
	fs.StandardDirOps
	FSPath
}

type Entry struct {
	fs.StandardFileOps
	FSPath
}

func (e *Entry) ReadLink(ctx context.Context, inode *fs.Inode) (string, error) {
	if inode.StableAttr.Type != fs.Symlink {
		return "", fs.ErrNotSymlink
	}

	return os.Readlink(e.Path)
}

func (e *Entry) Open(ctx context.Context, inode *fs.Inode, flags fs.OpenFlags) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(e.Path, hostFlags(flags), 0)
	if err != nil {
		return nil, hostError(err)
	}

	return f, nil
}

func (d *Dir) LookupChild(ctx context.Context, inode *fs.Inode, name string) (*fs.Inode, error) {
	log.L.Trace("lookup child on host fs", "dir", d.Path, "name", name)

	cp := filepath.Join(d.Path, name)

	stat, err := os.Lstat(cp)
	if err != nil {
		return nil, hostError(err)
	}

	attr := stableAttr(cp, stat)

	if stat.IsDir() {
		return fs.NewInode(attr, &Dir{FSPath: FSPath{Path: cp, Info: stat}}), nil
	}

	return fs.NewInode(attr, &Entry{FSPath: FSPath{Path: cp, Info: stat}}), nil
}

func (d *Dir) Create(ctx context.Context, inode *fs.Inode, name string, flags fs.OpenFlags) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(filepath.Join(d.Path, name), hostFlags(flags)|os.O_CREATE, 0644)
	if err != nil {
		return nil, hostError(err)
	}

	return f, nil
}

func hostFlags(flags fs.OpenFlags) int {
	var out int

	switch flags & abi.O_ACCMODE {
	case abi.O_WRONLY:
		out = os.O_WRONLY
	case abi.O_RDWR:
		out = os.O_RDWR
	default:
		out = os.O_RDONLY
	}

	if flags&abi.O_APPEND != 0 {
		out |= os.O_APPEND
	}

	if flags&abi.O_CREAT != 0 {
		out |= os.O_CREATE
	}

	if flags&abi.O_TRUNC != 0 {
		out |= os.O_TRUNC
	}

	if flags&abi.O_EXCL != 0 {
		out |= os.O_EXCL
	}

	return out
}

// hostError folds host errors into the namespace's sentinels.
func hostError(err error) error {
	switch {
	case os.IsNotExist(err):
		return errors.Wrap(fs.ErrUnknownPath, err.Error())
	case os.IsPermission(err):
		return errors.Wrap(fs.ErrPermission, err.Error())
	case os.IsExist(err):
		return errors.Wrap(fs.ErrExists, err.Error())
	default:
		return err
	}
}
