package deviceid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveMarkerWins(t *testing.T) {
	mp := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(mp, "DCIM"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mp, "DCIM", ".camrelay"), []byte("# field unit\ncamrelay_id= ridge cam/2 \n"), 0o644))

	id, src := Derive(mp, "/dev/sda1", map[string]string{"ID_FS_UUID": "1234-ABCD"})
	assert.Equal(t, "ridge_cam_2", id)
	assert.Equal(t, SourceMarker, src)
}

func TestDeriveFallbackOrder(t *testing.T) {
	mp := t.TempDir()

	id, src := Derive(mp, "/dev/sda1", map[string]string{"ID_FS_UUID": "1234-ABCD", "ID_SERIAL": "Canon_EOS"})
	assert.Equal(t, "1234-ABCD", id)
	assert.Equal(t, SourceFSUUID, src)

	id, src = Derive(mp, "/dev/sda1", map[string]string{"ID_SERIAL_SHORT": "X1", "ID_SERIAL": "Canon_EOS"})
	assert.Equal(t, "X1", id)
	assert.Equal(t, SourceSerialShort, src)

	_, src = Derive(mp, "/dev/sda1", map[string]string{"DEVPATH": "/devices/usb1/1-1"})
	assert.Equal(t, SourceDevPath, src)

	a, src := Derive(mp, "/dev/sda1", nil)
	b, _ := Derive(mp, "/dev/sda1", nil)
	assert.Equal(t, SourceDevNode, src)
	assert.Equal(t, a, b)
}
