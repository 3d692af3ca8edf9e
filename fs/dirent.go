package fs

import (
	"context"
	"io"
	"path"
)

// Dirent is an inode reached through a particular name.
type Dirent struct {
	Name   string
	Parent *Dirent
	Inode  *Inode
}

// Path is the absolute namespace path of the dirent.
func (d *Dirent) Path() string {
	if d.Parent == nil {
		return "/"
	}

	return path.Join(d.Parent.Path(), d.Name)
}

func (d *Dirent) Open(ctx context.Context, flags OpenFlags) (io.ReadWriteCloser, error) {
	return d.Inode.Ops.Open(ctx, d.Inode, flags)
}
