package mount

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Mounter is implemented by System; tests substitute a fake.
type Mounter interface {
	MountRO(devNode, mountPoint string) error
	Unmount(mountPoint string) error
	Remount(mountPoint string, rw bool) error
	Mounted(mountPoint string) (bool, error)
}

// System shells out to mount(8)/umount(8) so vfat, exfat and fuse helpers all work.
type System struct{}

func (System) MountRO(devNode, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return err
	}
	return run("mount", "-o", "ro", devNode, mountPoint)
}

// Unmount is fine even if already unmounted; caller can ignore error if desired.
func (System) Unmount(mountPoint string) error {
	return run("umount", mountPoint)
}

func (System) Remount(mountPoint string, rw bool) error {
	mode := "remount,ro"
	if rw {
		mode = "remount,rw"
	}
	return run("mount", "-o", mode, mountPoint)
}

// Mounted reports whether mountPoint appears in /proc/self/mounts.
func (System) Mounted(mountPoint string) (bool, error) {
	data, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return false, err
	}
	return listed(data, mountPoint), nil
}

func listed(mounts []byte, mountPoint string) bool {
	want := filepath.Clean(mountPoint)
	sc := bufio.NewScanner(bytes.NewReader(mounts))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		// /proc/mounts escapes spaces as \040
		if strings.ReplaceAll(fields[1], `\040`, " ") == want {
			return true
		}
	}
	return false
}

// run maps "busy" diagnostics from mount(8) onto EBUSY so callers can use
// errors.Is like they would with the raw syscall.
func run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(out))
	if strings.Contains(strings.ToLower(msg), "busy") {
		return fmt.Errorf("%s: %w: %s", name, unix.EBUSY, msg)
	}
	return fmt.Errorf("%s: %w: %s", name, err, msg)
}
