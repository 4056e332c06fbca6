package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func TestWriteAtomicCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "exp_1", "exp_1_0.ckpt")

	require.NoError(t, WriteAtomic(path, []byte("weights"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(got))
	assert.True(t, Exists(path))
}

func TestWriteAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.data")
	require.NoError(t, WriteAtomic(path, []byte("one"), 0o644))
	require.NoError(t, WriteAtomic(path, []byte("two"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
}

func TestProduceAtomicFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	boom := errors.New("boom")

	err := ProduceAtomic(path, 0o644, func(tmp string) error {
		require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProduceAtomicMissingTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	err := ProduceAtomic(path, 0o644, func(string) error { return nil })
	assert.ErrorIs(t, err, types.ErrIO)
	assert.False(t, Exists(path))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	dst := filepath.Join(dir, "out", "copy.txt")
	require.NoError(t, os.WriteFile(src, []byte("rows"), 0o644))

	require.NoError(t, CopyFile(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "rows", string(got))

	assert.ErrorIs(t, CopyFile(filepath.Join(dir, "absent"), dst), types.ErrIO)
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	removed, err := RemoveIfExists(path)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = RemoveIfExists(path)
	require.NoError(t, err)
	assert.False(t, removed)
}
