package copyutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// CopyAtomic copies src to dst through dst.tmp with fsync, then renames into
// place. It returns the number of bytes copied.
func CopyAtomic(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	tmp := dst + ".tmp"

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, copyErr := io.Copy(out, in)
	syncErr := out.Sync()
	closeErr := out.Close()

	if copyErr != nil {
		_ = os.Remove(tmp)
		return 0, copyErr
	}
	if syncErr != nil {
		_ = os.Remove(tmp)
		return 0, syncErr
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return 0, closeErr
	}

	// Atomic rename: tmp -> final
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("rename tmp->final: %w", err)
	}
	return n, nil
}

// Snapshot copies src to dst and returns the size src had when the copy
// started, so callers can check the copy against it.
func Snapshot(src, dst string) (srcSize int64, err error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if _, err := CopyAtomic(src, dst); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Move renames src to dst, replacing dst. Across filesystems it falls back to
// copy + remove.
func Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if _, err := CopyAtomic(src, dst); err != nil {
		return fmt.Errorf("cross-device copy: %w", err)
	}
	return os.Remove(src)
}
