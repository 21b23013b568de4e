package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "timelapse/cam-1/IMG_01.JPG", ObjectKey("/timelapse/", "cam-1", "IMG_01.JPG"))
	assert.Equal(t, "IMG_01.JPG", ObjectKey("", "", "IMG_01.JPG"))
	assert.Equal(t, "p/IMG_01.JPG", ObjectKey("p", "", "IMG_01.JPG"))
}

func TestPermanentStatus(t *testing.T) {
	assert.True(t, permanentStatus(http.StatusForbidden))
	assert.True(t, permanentStatus(http.StatusBadRequest))
	assert.False(t, permanentStatus(http.StatusTooManyRequests))
	assert.False(t, permanentStatus(http.StatusRequestTimeout))
	assert.False(t, permanentStatus(http.StatusServiceUnavailable))
}

func TestClassifyGCS(t *testing.T) {
	err := classifyGCS(&googleapi.Error{Code: http.StatusForbidden, Message: "denied"})
	assert.ErrorIs(t, err, ErrRejected)

	err = classifyGCS(&googleapi.Error{Code: http.StatusBadGateway})
	assert.NotErrorIs(t, err, ErrRejected)

	plain := errors.New("connection reset")
	assert.Equal(t, plain, classifyGCS(plain))
}

func TestWaitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := wait(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, wait(context.Background(), time.Millisecond))
}

func newTestS3(t *testing.T, handler http.HandlerFunc) *S3 {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := NewS3(S3Config{
		Bucket:          "captures",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		PathStyle:       true,
	})
	require.NoError(t, err)
	return s
}

func TestS3PutUploadsBody(t *testing.T) {
	var gotPath, gotSHA string
	var gotBody []byte
	s := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSHA = r.Header.Get("X-Amz-Meta-Sha256")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	})

	data := []byte("jpeg bytes")
	err := s.Put(context.Background(), Object{Key: "cam/IMG_01.JPG", Size: int64(len(data)), SHA256: "deadbeef"}, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "/captures/cam/IMG_01.JPG", gotPath)
	assert.Equal(t, "deadbeef", gotSHA)
	assert.Equal(t, data, gotBody)
}

func TestS3ForbiddenIsRejected(t *testing.T) {
	s := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
	})

	err := s.Put(context.Background(), Object{Key: "k", Size: 1}, strings.NewReader("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}
