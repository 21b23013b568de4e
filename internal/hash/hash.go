package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
	"io"
	"os"
)

// util package to fingerprint captured files and check copies

const blockSize = 32 * 1024

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Result struct {
	Size   int64
	SHA256 string
	CRC32C uint32
}

// Compute streams the file once in fixed-size blocks and updates both digests.
func Compute(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	h := sha256.New()
	crc := crc32.New(castagnoli)

	n, err := io.CopyBuffer(io.MultiWriter(h, crc), f, make([]byte, blockSize))
	if err != nil {
		return Result{}, err
	}

	return Result{
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		CRC32C: crc.Sum32(),
	}, nil
}

// Digest returns the hex SHA-256 of the file contents.
func Digest(path string) (string, error) {
	r, err := Compute(path)
	if err != nil {
		return "", err
	}
	return r.SHA256, nil
}

// Verify fails when path is missing, or when expectedSize is non-negative and
// differs from the size on disk.
func Verify(path string, expectedSize int64) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if expectedSize >= 0 && info.Size() != expectedSize {
		return false
	}
	return true
}
