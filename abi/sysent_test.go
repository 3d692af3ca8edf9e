package abi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableIsValid(t *testing.T) {
	require.NoError(t, DefaultTable.Validate())
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()

	t.Run("reads a versioned table", func(t *testing.T) {
		path := filepath.Join(dir, "ok.yaml")
		err := os.WriteFile(path, []byte("version: orbis-2\ncalls:\n  write: 4\n  exit: 1\n"), 0644)
		require.NoError(t, err)

		tbl, err := LoadTable(path)
		require.NoError(t, err)

		require.Equal(t, "orbis-2", tbl.Version)
		require.Equal(t, 4, tbl.Calls["write"])
		require.Equal(t, []string{"exit", "write"}, tbl.Names())
	})

	t.Run("rejects duplicate numbers", func(t *testing.T) {
		path := filepath.Join(dir, "dup.yaml")
		err := os.WriteFile(path, []byte("version: x\ncalls:\n  write: 4\n  read: 4\n"), 0644)
		require.NoError(t, err)

		_, err = LoadTable(path)
		require.Equal(t, ErrDuplicateNumber, errors.Cause(err))
	})

	t.Run("rejects numbers outside the table", func(t *testing.T) {
		path := filepath.Join(dir, "range.yaml")
		err := os.WriteFile(path, []byte("version: x\ncalls:\n  write: 5000\n"), 0644)
		require.NoError(t, err)

		_, err = LoadTable(path)
		require.Equal(t, ErrNumberRange, errors.Cause(err))
	})
}
