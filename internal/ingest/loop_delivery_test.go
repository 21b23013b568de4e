package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camrelay/internal/capture"
	"camrelay/internal/copyutil"
	"camrelay/internal/delivery"
	"camrelay/internal/model"
	"camrelay/internal/sink"
	"camrelay/internal/store"
)

// cardCamera copies files out of a directory standing in for the card and
// names each download by the time of the call, like capture.Camera does.
type cardCamera struct {
	card    string
	tempDir string
	now     time.Time
	names   []string
}

func (c *cardCamera) List(context.Context) ([]capture.FileHandle, error) {
	var out []capture.FileHandle
	for _, n := range c.names {
		out = append(out, capture.FileHandle{Name: n, Path: filepath.Join(c.card, n)})
	}
	return out, nil
}

func (c *cardCamera) Download(_ context.Context, h capture.FileHandle) (string, error) {
	c.now = c.now.Add(24 * time.Hour)
	dst := filepath.Join(c.tempDir, c.now.Format("20060102_150405")+"_"+h.Name)
	if _, err := copyutil.CopyAtomic(h.Path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (c *cardCamera) Delete(context.Context, capture.FileHandle) error { return nil }

func (c *cardCamera) Release() {}

type offlineSink struct{ puts int }

func (s *offlineSink) Put(context.Context, sink.Object, io.ReadSeeker) error {
	s.puts++
	return errors.New("timeout")
}

func TestFailedDeliveryDoesNotAccumulateDownloads(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(root, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	card := filepath.Join(root, "card")
	tempDir := filepath.Join(root, "tmp")
	require.NoError(t, os.MkdirAll(card, 0o755))
	require.NoError(t, os.MkdirAll(tempDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(card, "IMG_02.JPG"), []byte("frame"), 0o644))

	// a regular file where the backup dir should be, so the move fails
	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	n := &recordingNotifier{}
	sk := &offlineSink{}
	engine := delivery.New(st, sk, n, delivery.Config{
		ScratchDir: filepath.Join(root, "scratch"),
		BackupDir:  filepath.Join(blocker, "backup"),
	})
	cam := &cardCamera{
		card:    card,
		tempDir: tempDir,
		now:     time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		names:   []string{"IMG_02.JPG"},
	}
	loop := New(Deps{
		Camera:   cam,
		Ledger:   st,
		Engine:   engine,
		Backlog:  &fakeBacklog{},
		Power:    &fakePower{ok: true},
		Notify:   n,
		Rebooter: &fakeRebooter{},
	}, Config{})

	for i := 0; i < 3; i++ {
		require.NoError(t, loop.Cycle(ctx))
	}

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 3, sk.puts)

	rec, err := st.Get(ctx, "IMG_02.JPG")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)

	var high int
	for _, ev := range n.events {
		if ev.Priority == model.PriorityHigh {
			high++
		}
	}
	assert.Equal(t, 3, high)
	assert.FileExists(t, filepath.Join(card, "IMG_02.JPG"))
}
