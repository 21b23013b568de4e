// Package host wraps the irreversible host restart.
package host

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Syscall flushes filesystems and restarts the kernel directly. Requires
// CAP_SYS_BOOT.
type Syscall struct{}

func (Syscall) Reboot(context.Context) error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot syscall: %w", err)
	}
	return nil
}

// Command runs an external restart command such as "sudo reboot".
type Command struct {
	Argv []string
}

func (c Command) Reboot(ctx context.Context) error {
	if len(c.Argv) == 0 {
		return errors.New("empty reboot command")
	}
	unix.Sync()
	out, err := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.Argv[0], err, out)
	}
	return nil
}
