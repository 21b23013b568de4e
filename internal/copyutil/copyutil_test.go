package copyutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyAtomicCreatesParentAndLeavesNoTmp(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.jpg")
	dst := filepath.Join(dir, "nested", "out", "dst.jpg")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	n, err := CopyAtomic(src, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	_, err = os.Stat(dst + ".tmp")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCopyAtomicMissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyAtomic(filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "dst"))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestSnapshotReportsSourceSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o644))

	size, err := Snapshot(src, filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestMoveOverwritesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "IMG_02.JPG")
	dst := filepath.Join(dir, "backup", "IMG_02.JPG")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))

	require.NoError(t, Move(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	_, err = os.Stat(src)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
