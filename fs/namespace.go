package fs

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/log"
	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const (
	// DirentCacheSize bounds the number of resolved paths kept around.
	DirentCacheSize = 1024

	// MaxSymlinks is how many links a single lookup may traverse.
	MaxSymlinks = 8

	// MaxPath is the longest path a lookup accepts.
	MaxPath = 1024
)

// Namespace resolves guest paths below a single root. ".." at the root and
// absolute symlink targets stay inside it.
type Namespace struct {
	L           hclog.Logger
	Root        *Dirent
	DirentCache *lru.ARCCache
}

func NewNamespace(root *Inode) *Namespace {
	cache, err := lru.NewARC(DirentCacheSize)
	if err != nil {
		panic(err)
	}

	return &Namespace{
		L:           log.L.Named("fs"),
		Root:        &Dirent{Inode: root},
		DirentCache: cache,
	}
}

// LookupPath resolves p, following symlinks in every component including
// the last one.
func (m *Namespace) LookupPath(ctx context.Context, p string) (*Dirent, error) {
	return m.lookup(ctx, p, true)
}

// LookupDirent resolves p without following a trailing symlink.
func (m *Namespace) LookupDirent(ctx context.Context, p string) (*Dirent, error) {
	return m.lookup(ctx, p, false)
}

func (m *Namespace) lookup(ctx context.Context, p string, follow bool) (*Dirent, error) {
	if len(p) > MaxPath {
		return nil, ErrNameTooLong
	}

	key := p
	if follow {
		if val, ok := m.DirentCache.Get(key); ok {
			return val.(*Dirent), nil
		}
	}

	links := 0

	d, err := m.walk(ctx, m.Root, p, follow, &links)
	if err != nil {
		return nil, err
	}

	if follow {
		m.DirentCache.Add(key, d)
	}

	return d, nil
}

func (m *Namespace) walk(ctx context.Context, start *Dirent, p string, follow bool, links *int) (*Dirent, error) {
	cur := start
	if strings.HasPrefix(p, "/") {
		cur = m.Root
	}

	parts := strings.Split(p, "/")

	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if cur.Parent != nil {
				cur = cur.Parent
			}
			continue
		}

		if cur.Inode.StableAttr.Type != Directory {
			return nil, errors.Wrapf(ErrNotDirectory, "component: %s", cur.Name)
		}

		child, err := cur.Inode.Ops.LookupChild(ctx, cur.Inode, part)
		if err != nil {
			return nil, err
		}

		next := &Dirent{Inode: child, Parent: cur, Name: part}

		last := restEmpty(parts[i+1:])

		if next.Inode.StableAttr.Type == Symlink && (follow || !last) {
			*links++
			if *links > MaxSymlinks {
				return nil, ErrSymlinkLoop
			}

			target, err := next.Inode.Ops.ReadLink(ctx, next.Inode)
			if err != nil {
				return nil, err
			}

			m.L.Trace("follow-symlink", "path", next.Path(), "target", target)

			next, err = m.walk(ctx, cur, target, true, links)
			if err != nil {
				return nil, err
			}
		}

		cur = next
	}

	return cur, nil
}

func restEmpty(parts []string) bool {
	for _, p := range parts {
		if p != "" && p != "." {
			return false
		}
	}

	return true
}

// Open resolves p and opens it. With O_CREAT a missing final component is
// created in its parent directory.
func (m *Namespace) Open(ctx context.Context, p string, flags OpenFlags) (io.ReadWriteCloser, error) {
	d, err := m.LookupPath(ctx, p)
	if err == nil {
		if flags&abi.O_CREAT != 0 && flags&abi.O_EXCL != 0 {
			return nil, ErrExists
		}

		return d.Open(ctx, flags)
	}

	if errors.Cause(err) != ErrUnknownPath || flags&abi.O_CREAT == 0 {
		return nil, err
	}

	dir, name := path.Split(path.Clean("/" + p))
	if name == "" || name == ".." {
		return nil, ErrInvalidArgument
	}

	parent, err := m.LookupPath(ctx, dir)
	if err != nil {
		return nil, err
	}

	if parent.Inode.StableAttr.Type != Directory {
		return nil, ErrNotDirectory
	}

	m.L.Debug("create-file", "path", path.Join(parent.Path(), name))

	return parent.Inode.Ops.Create(ctx, parent.Inode, name, flags)
}

// Invalidate forgets every cached lookup.
func (m *Namespace) Invalidate() {
	m.DirentCache.Purge()
}
