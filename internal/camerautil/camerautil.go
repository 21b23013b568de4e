package camerautil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"camrelay/internal/mount"
)

// DeleteFromCamera deletes a file at absolute path under mountPoint.
// Caller should ensure mountPoint is the correct mounted camera filesystem.
func DeleteFromCamera(m mount.Mounter, mountPoint string, absPath string) error {
	// remount RW, delete, sync, remount RO
	if err := m.Remount(mountPoint, true); err != nil {
		return fmt.Errorf("remount rw: %w", err)
	}
	defer func() { _ = m.Remount(mountPoint, false) }()

	if err := os.Remove(absPath); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	// Best-effort sync
	unix.Sync()
	return nil
}
