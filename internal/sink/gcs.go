package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	attrsAttempts   = 3
	attrsRetryDelay = 200 * time.Millisecond
)

type GCSConfig struct {
	Bucket    string
	CredsJSON string
	Timeout   time.Duration
}

func NewGCSClient(ctx context.Context, cfg GCSConfig) (*storage.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("missing gcs bucket")
	}
	if cfg.CredsJSON != "" {
		return storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredsJSON))
	}
	// fallback to Application Default Credentials
	return storage.NewClient(ctx)
}

// GCS uploads with a server-validated CRC32C and then re-reads the object
// attributes to confirm size and checksum.
type GCS struct {
	client  *storage.Client
	bucket  string
	timeout time.Duration
}

func NewGCS(client *storage.Client, cfg GCSConfig) *GCS {
	return &GCS{client: client, bucket: cfg.Bucket, timeout: cfg.Timeout}
}

func (g *GCS) Put(ctx context.Context, o Object, r io.ReadSeeker) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	obj := g.client.Bucket(g.bucket).Object(o.Key)

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}

	w := obj.NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = "application/octet-stream"
	w.CRC32C = o.CRC32C
	w.SendCRC32C = true
	w.Metadata = map[string]string{
		"sha256": o.SHA256,
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return classifyGCS(err)
	}
	if err := w.Close(); err != nil {
		return classifyGCS(err)
	}

	// fetch attributes and verify
	var attrs *storage.ObjectAttrs
	var err error
	for i := 0; i < attrsAttempts; i++ {
		attrs, err = obj.Attrs(ctx)
		if err == nil || i == attrsAttempts-1 {
			break
		}
		if werr := wait(ctx, attrsRetryDelay); werr != nil {
			return werr
		}
	}
	if err != nil {
		return classifyGCS(err)
	}

	if attrs.Size != o.Size {
		return fmt.Errorf("verify size mismatch: local=%d remote=%d", o.Size, attrs.Size)
	}
	if attrs.CRC32C != o.CRC32C {
		return fmt.Errorf("verify crc32c mismatch: local=%d remote=%d", o.CRC32C, attrs.CRC32C)
	}
	return nil
}

func classifyGCS(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && permanentStatus(gerr.Code) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}

// permanentStatus reports 4xx codes that will not succeed on retry as-is.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
