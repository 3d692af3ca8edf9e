package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bayedieng/obliteration/abi"
	"github.com/bayedieng/obliteration/fs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTree(t *testing.T) string {
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "app0", "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app0", "data", "save.bin"), []byte("saved"), 0644))
	require.NoError(t, os.Symlink("data/save.bin", filepath.Join(root, "app0", "link")))
	require.NoError(t, os.Symlink("/app0/data", filepath.Join(root, "abs")))
	require.NoError(t, os.Symlink("../../../../..", filepath.Join(root, "app0", "up")))
	require.NoError(t, os.Symlink("loop", filepath.Join(root, "loop")))

	return root
}

func TestNamespace(t *testing.T) {
	ctx := context.Background()

	ns, err := NewNamespace(setupTree(t))
	require.NoError(t, err)

	readAll := func(p string) string {
		f, err := ns.Open(ctx, p, abi.O_RDONLY)
		require.NoError(t, err)
		defer f.Close()

		data, err := io.ReadAll(f)
		require.NoError(t, err)

		return string(data)
	}

	t.Run("opens a regular file", func(t *testing.T) {
		assert.Equal(t, "saved", readAll("/app0/data/save.bin"))
	})

	t.Run("follows relative and absolute symlinks", func(t *testing.T) {
		assert.Equal(t, "saved", readAll("/app0/link"))
		assert.Equal(t, "saved", readAll("/abs/save.bin"))
	})

	t.Run("keeps dotdot inside the root", func(t *testing.T) {
		d, err := ns.LookupPath(ctx, "/app0/up")
		require.NoError(t, err)

		assert.Equal(t, "/", d.Path())
		assert.Equal(t, "saved", readAll("/../../app0/data/save.bin"))
	})

	t.Run("does not follow a trailing link when asked not to", func(t *testing.T) {
		d, err := ns.LookupDirent(ctx, "/app0/link")
		require.NoError(t, err)

		assert.Equal(t, fs.Symlink, d.Inode.StableAttr.Type)
	})

	t.Run("stops symlink loops", func(t *testing.T) {
		_, err := ns.LookupPath(ctx, "/loop")
		assert.Equal(t, fs.ErrSymlinkLoop, errors.Cause(err))
	})

	t.Run("reports missing paths", func(t *testing.T) {
		_, err := ns.Open(ctx, "/nope", abi.O_RDONLY)
		assert.Equal(t, fs.ErrUnknownPath, errors.Cause(err))
	})

	t.Run("refuses to open a directory", func(t *testing.T) {
		_, err := ns.Open(ctx, "/app0", abi.O_RDONLY)
		assert.Equal(t, fs.ErrIsDirectory, errors.Cause(err))
	})

	t.Run("creates files", func(t *testing.T) {
		f, err := ns.Open(ctx, "/app0/data/new.txt", abi.O_WRONLY|abi.O_CREAT)
		require.NoError(t, err)

		_, err = f.Write([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		assert.Equal(t, "hello", readAll("/app0/data/new.txt"))

		_, err = ns.Open(ctx, "/app0/data/new.txt", abi.O_WRONLY|abi.O_CREAT|abi.O_EXCL)
		assert.Equal(t, fs.ErrExists, errors.Cause(err))
	})

	t.Run("reports attributes", func(t *testing.T) {
		d, err := ns.LookupPath(ctx, "/app0/data/save.bin")
		require.NoError(t, err)

		attr, err := d.Inode.Ops.UnstableAttr(ctx, d.Inode)
		require.NoError(t, err)

		assert.Equal(t, int64(5), attr.Size)
		assert.Equal(t, 0644, attr.Perms)
	})
}
