package udev

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
)

type Event struct {
	Action  string            // add/remove
	DevName string            // /dev/sda1
	DevPath string            // DEVPATH=...
	Props   map[string]string // key=value from udev
}

// Run listens to udev block events and calls onEvent for USB partitions only.
// It returns when ctx is cancelled or udevadm exits.
func Run(ctx context.Context, onEvent func(Event)) error {
	cmd := exec.CommandContext(ctx,
		"udevadm",
		"monitor",
		"--udev",
		"--subsystem-match=block",
		"--property",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	defer func() { _ = cmd.Wait() }()

	err = scan(ctx, stdout, onEvent)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func scan(ctx context.Context, r io.Reader, onEvent func(Event)) error {
	sc := bufio.NewScanner(r)
	props := map[string]string{}

	flush := func() {
		if ev, ok := toEvent(props); ok {
			onEvent(ev)
		}
		props = map[string]string{}
	}

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			props[k] = v
		}
	}

	// Scanner ended; try one last flush.
	flush()
	return sc.Err()
}

// toEvent filters to USB partition add/remove.
func toEvent(props map[string]string) (Event, bool) {
	if props["ID_BUS"] != "usb" || props["DEVTYPE"] != "partition" {
		return Event{}, false
	}
	action := props["ACTION"]
	if action != "add" && action != "remove" {
		return Event{}, false
	}
	return Event{
		Action:  action,
		DevName: props["DEVNAME"],
		DevPath: props["DEVPATH"],
		Props:   props,
	}, true
}

// Properties queries the udev database for an existing device node, e.g.
// the camera partition that was already attached at boot.
func Properties(ctx context.Context, devNode string) (map[string]string, error) {
	out, err := exec.CommandContext(ctx, "udevadm", "info", "--query=property", "--name="+devNode).Output()
	if err != nil {
		return nil, err
	}
	return parseProperties(string(out)), nil
}

func parseProperties(s string) map[string]string {
	props := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			props[k] = v
		}
	}
	return props
}
