package deviceid

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

type Source string

const (
	SourceMarker      Source = "marker"
	SourceFSUUID      Source = "fs_uuid"
	SourceSerialShort Source = "serial_short"
	SourceSerial      Source = "serial"
	SourceDevPath     Source = "devpath_hash"
	SourceDevNode     Source = "devnode_hash"
)

// Derive picks a stable device id using:
// 1) DCIM/.camrelay (authoritative if present)
// 2) ID_FS_UUID
// 3) ID_SERIAL_SHORT
// 4) ID_SERIAL
// 5) sha1(DEVPATH), or sha1(devNode) when udev gave us nothing
func Derive(mountPoint, devNode string, udevProps map[string]string) (deviceID string, source Source) {
	if id, ok := readMarker(mountPoint); ok {
		return sanitize(id), SourceMarker
	}

	if v := udevProps["ID_FS_UUID"]; v != "" {
		return sanitize(v), SourceFSUUID
	}
	if v := udevProps["ID_SERIAL_SHORT"]; v != "" {
		return sanitize(v), SourceSerialShort
	}
	if v := udevProps["ID_SERIAL"]; v != "" {
		return sanitize(v), SourceSerial
	}

	// last resort: stable-ish on same host, not great across re-enumerations
	if v := udevProps["DEVPATH"]; v != "" {
		h := sha1.Sum([]byte(v))
		return "usb-" + hex.EncodeToString(h[:8]), SourceDevPath
	}
	h := sha1.Sum([]byte(devNode))
	return "dev-" + hex.EncodeToString(h[:8]), SourceDevNode
}

func readMarker(mountPoint string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(mountPoint, "DCIM", ".camrelay"))
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "camrelay_id=") {
			return strings.TrimSpace(strings.TrimPrefix(line, "camrelay_id=")), true
		}
		// allow bare id file (single line)
		if !strings.Contains(line, "=") {
			return line, true
		}
	}
	return "", false
}

// sanitize keeps the id safe as an object key segment.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
