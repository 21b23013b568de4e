package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"camrelay/internal/model"
)

const (
	DefaultNtfyServer  = "https://ntfy.sh"
	DefaultTitle       = "Timelapse Monitor Alert"
	DefaultTags        = "warning"
	defaultHTTPTimeout = 10 * time.Second
)

// Ntfy posts the message body to <server>/<topic> with Priority, Title and
// Tags headers. Any non-2xx answer is a failure.
type Ntfy struct {
	URL    string
	Title  string
	Tags   string
	Client *http.Client
}

func NewNtfy(server, topic string) *Ntfy {
	if server == "" {
		server = DefaultNtfyServer
	}
	return &Ntfy{
		URL:    strings.TrimRight(server, "/") + "/" + topic,
		Title:  DefaultTitle,
		Tags:   DefaultTags,
		Client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Send(ctx context.Context, ev model.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, strings.NewReader(ev.Message))
	if err != nil {
		return err
	}
	req.Header.Set("Priority", strconv.Itoa(int(ev.Priority)))
	req.Header.Set("Title", n.Title)
	req.Header.Set("Tags", n.Tags)

	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ntfy returned %s", resp.Status)
	}
	return nil
}
