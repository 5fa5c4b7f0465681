// Package synctask provides the opaque sync tasks the dispatcher invokes by name.
package synctask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const maxPullBody = 16 << 20

// HTTP pushes local changes to PushURL, then pulls remote changes from PullURL. A failed
// push fails the run without pulling. Either URL may be empty to skip that step. The work
// item's params go out in the push envelope and as query parameters of the pull.
type HTTP struct {
	Client  *http.Client
	PushURL string
	PullURL string

	// Pending returns the body to push. When nil a small JSON envelope naming the task is sent.
	// An empty body skips the push.
	Pending func(ctx context.Context, task string) ([]byte, error)
	// Apply receives the pulled body.
	Apply func(ctx context.Context, task string, body []byte) error

	Log *slog.Logger
}

type envelope struct {
	Task   string            `json:"task"`
	At     time.Time         `json:"at"`
	Params map[string]string `json:"params,omitempty"`
}

func (h *HTTP) Run(ctx context.Context, name string, params map[string]string) error {
	l := h.logger().With("task", name)
	if h.PushURL != "" {
		n, err := h.push(ctx, name, params)
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}
		l.Info("pushed local changes", "bytes", n)
	}
	if h.PullURL != "" {
		n, err := h.pull(ctx, name, params)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		l.Info("pulled remote changes", "bytes", n)
	}
	return nil
}

func (h *HTTP) push(ctx context.Context, name string, params map[string]string) (int, error) {
	var body []byte
	var err error
	if h.Pending != nil {
		body, err = h.Pending(ctx, name)
	} else {
		body, err = json.Marshal(envelope{Task: name, At: time.Now().UTC(), Params: params})
	}
	if err != nil {
		return 0, err
	}
	if len(body) == 0 {
		return 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.PushURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	return len(body), nil
}

func (h *HTTP) pull(ctx context.Context, name string, params map[string]string) (int, error) {
	u, err := url.Parse(h.PullURL)
	if err != nil {
		return 0, err
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPullBody))
	if err != nil {
		return 0, err
	}
	if h.Apply != nil {
		if err := h.Apply(ctx, name, body); err != nil {
			return 0, fmt.Errorf("apply: %w", err)
		}
	}
	return len(body), nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %s", resp.Request.Method, resp.Request.URL, resp.Status)
	}
	return nil
}

func (h *HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *HTTP) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}
