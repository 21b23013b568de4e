package hash

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeKnownDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IMG_01.JPG")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	r, err := Compute(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Size)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", r.SHA256)
	assert.Equal(t, uint32(0x364b3fb7), r.CRC32C)
}

func TestComputeSpansMultipleBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin")
	data := bytes.Repeat([]byte{0x5a}, blockSize*3+17)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := Compute(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), r.Size)

	d, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, r.SHA256, d)
}

func TestComputeMissingFile(t *testing.T) {
	_, err := Compute(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	assert.True(t, Verify(path, -1))
	assert.True(t, Verify(path, 5))
	assert.False(t, Verify(path, 4))
	assert.False(t, Verify(filepath.Join(dir, "missing"), -1))
	assert.False(t, Verify(dir, -1))
}
