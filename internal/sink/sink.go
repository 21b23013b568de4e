// Package sink uploads captured files to remote object storage.
package sink

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrRejected marks a definitive refusal by the remote store (auth, quota,
// bad request). It is still treated as an upload failure by the caller.
var ErrRejected = errors.New("sink rejected upload")

// Object describes one upload. There are no partial uploads: a failed Put is
// retried from scratch.
type Object struct {
	Key    string
	Size   int64
	SHA256 string
	CRC32C uint32
}

type Sink interface {
	Put(ctx context.Context, obj Object, r io.ReadSeeker) error
}

// ObjectKey joins prefix, device id and filename into a slash separated key.
func ObjectKey(prefix, deviceID, filename string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, deviceID, filename} {
		p = strings.Trim(p, "/")
		if p != "" {
			parts = append(parts, p)
		}
	}
	return path.Join(parts...)
}
