// Package sensor reads the appliance's power pin, thermal zone and disk usage.
package sensor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/disk"
)

// ErrReadFailed wraps any sensor read error. Callers treat it as advisory.
var ErrReadFailed = errors.New("sensor read failed")

const DefaultThermalPath = "/sys/class/thermal/thermal_zone0/temp"

// PowerPin is a sysfs GPIO input wired to the UPS status line. A LOW value
// means the appliance is running on battery.
type PowerPin struct {
	root     string // /sys/class/gpio
	pin      int
	exported bool
}

func OpenPowerPin(root string, pin int) (*PowerPin, error) {
	if root == "" {
		root = "/sys/class/gpio"
	}
	p := &PowerPin{root: root, pin: pin}

	if _, err := os.Stat(p.pinDir()); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, fmt.Errorf("export gpio%d: %w", pin, err)
		}
		p.exported = true
		// udev needs a moment to create the pin's attribute files
		time.Sleep(100 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(p.pinDir(), "direction"), []byte("in"), 0o200); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set gpio%d direction: %w", pin, err)
	}
	return p, nil
}

// PowerOK returns false when the pin reads LOW.
func (p *PowerPin) PowerOK() (bool, error) {
	b, err := os.ReadFile(filepath.Join(p.pinDir(), "value"))
	if err != nil {
		return false, fmt.Errorf("%w: gpio%d: %w", ErrReadFailed, p.pin, err)
	}
	switch strings.TrimSpace(string(b)) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: gpio%d: unexpected value %q", ErrReadFailed, p.pin, b)
	}
}

// Close unexports the pin if OpenPowerPin exported it.
func (p *PowerPin) Close() error {
	if !p.exported {
		return nil
	}
	p.exported = false
	return os.WriteFile(filepath.Join(p.root, "unexport"), []byte(strconv.Itoa(p.pin)), 0o200)
}

func (p *PowerPin) pinDir() string {
	return filepath.Join(p.root, fmt.Sprintf("gpio%d", p.pin))
}

// Thermal reads a millidegree Celsius value from a sysfs style file.
type Thermal struct {
	Path string
}

func (t Thermal) Celsius() (float64, error) {
	path := t.Path
	if path == "" {
		path = DefaultThermalPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrReadFailed, path, err)
	}
	return milli / 1000, nil
}

// Disk reports usage of the filesystem holding Path.
type Disk struct {
	Path string
}

// FreePercent returns the free share of the filesystem, 0-100.
func (d Disk) FreePercent() (float64, error) {
	path := d.Path
	if path == "" {
		path = "/"
	}
	u, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("%w: disk usage %s: %w", ErrReadFailed, path, err)
	}
	return 100 - u.UsedPercent, nil
}

// MainsOnly stands in for the power pin on installs without a UPS.
type MainsOnly struct{}

func (MainsOnly) PowerOK() (bool, error) { return true, nil }
