package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camrelay/internal/model"
)

type stubTransport struct {
	name  string
	err   error
	panic bool

	mu    sync.Mutex
	calls []model.Event
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Send(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	s.calls = append(s.calls, ev)
	s.mu.Unlock()
	if s.panic {
		panic("transport blew up")
	}
	return s.err
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestNotifyPrimarySuccessSkipsFallback(t *testing.T) {
	primary := &stubTransport{name: "p"}
	secondary := &stubTransport{name: "s"}
	ch := New(primary, secondary)

	assert.True(t, ch.Notify(context.Background(), "hello", model.PriorityInfo))
	assert.Equal(t, 1, primary.count())
	assert.Equal(t, 0, secondary.count())
}

func TestNotifyFallsBackExactlyOncePerCall(t *testing.T) {
	primary := &stubTransport{name: "p", err: errors.New("offline")}
	secondary := &stubTransport{name: "s"}
	ch := New(primary, secondary)

	for i := 0; i < 3; i++ {
		assert.True(t, ch.Notify(context.Background(), "alert", model.PriorityHigh))
	}
	assert.Equal(t, 3, primary.count())
	assert.Equal(t, 3, secondary.count())
	assert.Equal(t, model.Event{Message: "alert", Priority: model.PriorityHigh}, secondary.calls[0])
}

func TestNotifyReportsFailureWhenBothFail(t *testing.T) {
	primary := &stubTransport{name: "p", err: errors.New("offline")}
	secondary := &stubTransport{name: "s", err: errors.New("no signal")}
	ch := New(primary, secondary)

	assert.False(t, ch.Notify(context.Background(), "alert", model.PriorityCritical))
	assert.Equal(t, 1, secondary.count())
}

func TestNotifyWithoutFallback(t *testing.T) {
	ch := New(&stubTransport{name: "p", err: errors.New("offline")}, nil)
	assert.False(t, ch.Notify(context.Background(), "alert", model.PriorityLow))
}

func TestNotifyRecoversFromTransportPanic(t *testing.T) {
	ch := New(&stubTransport{name: "p", panic: true}, &stubTransport{name: "s"})
	assert.False(t, ch.Notify(context.Background(), "alert", model.PriorityLow))
}

func TestNtfySendsHeadersAndBody(t *testing.T) {
	var got *http.Request
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNtfy(srv.URL+"/", "field-cam")
	require.NoError(t, n.Send(context.Background(), model.Event{Message: "File IMG_02.JPG saved to backup", Priority: model.PriorityMedium}))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/field-cam", got.URL.Path)
	assert.Equal(t, "3", got.Header.Get("Priority"))
	assert.Equal(t, DefaultTitle, got.Header.Get("Title"))
	assert.Equal(t, DefaultTags, got.Header.Get("Tags"))
	assert.Equal(t, "File IMG_02.JPG saved to backup", body)
}

func TestNtfyNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewNtfy(srv.URL, "t").Send(context.Background(), model.Event{Message: "x", Priority: model.PriorityLow})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNtfyTimeoutEscalatesToSMS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	primary := NewNtfy(srv.URL, "t")
	primary.Client.Timeout = 20 * time.Millisecond
	sender := &stubSender{}
	ch := New(primary, NewSMS(sender, "+15550100"))

	assert.True(t, ch.Notify(context.Background(), "Power failure detected!", model.PriorityHigh))
	assert.Equal(t, []string{"+15550100|Power failure detected!"}, sender.sent)
}

type stubSender struct {
	sent []string
	err  error
}

func (s *stubSender) SendSMS(recipient, message string) error {
	s.sent = append(s.sent, recipient+"|"+message)
	return s.err
}

func TestSMSPropagatesSenderError(t *testing.T) {
	sms := NewSMS(&stubSender{err: errors.New("ERROR")}, "+1")
	assert.Error(t, sms.Send(context.Background(), model.Event{Message: "x"}))
}

func TestEncodeMQTTPayload(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := encodeMQTT("T", model.Event{Message: "disk low", Priority: model.PriorityCritical}, now)
	require.NoError(t, err)

	var p mqttPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "disk low", p.Message)
	assert.Equal(t, 5, p.Priority)
	assert.Equal(t, "CRITICAL", p.Level)
	assert.True(t, now.Equal(p.SentAt))
}
