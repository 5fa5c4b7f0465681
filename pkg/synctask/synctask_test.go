package synctask

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

type remote struct {
	mu       sync.Mutex
	order    []string
	pushed   []byte
	pushCode int
	pullBody string
}

func (r *remote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/push", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.order = append(r.order, "push")
		r.pushed = body
		code := r.pushCode
		r.mu.Unlock()
		if code == 0 {
			code = http.StatusNoContent
		}
		w.WriteHeader(code)
	})
	mux.HandleFunc("/pull", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.order = append(r.order, "pull")
		body := r.pullBody
		r.mu.Unlock()
		io.WriteString(w, body)
	})
	return mux
}

func TestHTTP_PushThenPull(t *testing.T) {
	rm := &remote{pullBody: `{"tasks":[]}`}
	srv := httptest.NewServer(rm.handler())
	defer srv.Close()

	var applied string
	task := &HTTP{
		PushURL: srv.URL + "/push",
		PullURL: srv.URL + "/pull",
		Apply: func(_ context.Context, _ string, body []byte) error {
			applied = string(body)
			return nil
		},
	}
	if err := task.Run(context.Background(), "one-time-sync", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if strings.Join(rm.order, ",") != "push,pull" {
		t.Errorf("order = %v", rm.order)
	}
	var env envelope
	if err := json.Unmarshal(rm.pushed, &env); err != nil || env.Task != "one-time-sync" {
		t.Errorf("pushed %q (%v)", rm.pushed, err)
	}
	if applied != `{"tasks":[]}` {
		t.Errorf("applied = %q", applied)
	}
}

func TestHTTP_ForwardsParams(t *testing.T) {
	var (
		mu            sync.Mutex
		query, pushed string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			pushed = string(body)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		query = r.URL.RawQuery
	}))
	defer srv.Close()

	task := &HTTP{PushURL: srv.URL + "/push", PullURL: srv.URL + "/pull?since=0"}
	if err := task.Run(context.Background(), "one-time-sync", map[string]string{"source": "user"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if query != "since=0&source=user" {
		t.Errorf("pull query = %q", query)
	}
	var env envelope
	if err := json.Unmarshal([]byte(pushed), &env); err != nil || env.Params["source"] != "user" {
		t.Errorf("pushed %q (%v)", pushed, err)
	}
}

func TestHTTP_FailedPushSkipsPull(t *testing.T) {
	rm := &remote{pushCode: http.StatusBadGateway}
	srv := httptest.NewServer(rm.handler())
	defer srv.Close()

	task := &HTTP{PushURL: srv.URL + "/push", PullURL: srv.URL + "/pull"}
	err := task.Run(context.Background(), "periodic-sync", nil)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want 502", err)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.order) != 1 {
		t.Errorf("order = %v, pull must not run", rm.order)
	}
}

func TestHTTP_EmptyPendingSkipsPush(t *testing.T) {
	rm := &remote{}
	srv := httptest.NewServer(rm.handler())
	defer srv.Close()

	task := &HTTP{
		PushURL: srv.URL + "/push",
		PullURL: srv.URL + "/pull",
		Pending: func(context.Context, string) ([]byte, error) { return nil, nil },
	}
	if err := task.Run(context.Background(), "periodic-sync", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if strings.Join(rm.order, ",") != "pull" {
		t.Errorf("order = %v", rm.order)
	}
}

func TestHTTP_ApplyError(t *testing.T) {
	rm := &remote{}
	srv := httptest.NewServer(rm.handler())
	defer srv.Close()

	boom := errors.New("boom")
	task := &HTTP{
		PullURL: srv.URL + "/pull",
		Apply:   func(context.Context, string, []byte) error { return boom },
	}
	if err := task.Run(context.Background(), "periodic-sync", nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestHTTP_HonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	task := &HTTP{PullURL: srv.URL}
	if err := task.Run(ctx, "periodic-sync", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommand(t *testing.T) {
	requireSh(t)

	ok := &Command{Argv: []string{"sh", "-c", `test "$SYNC_TASK" = periodic-sync`}}
	if err := ok.Run(context.Background(), "periodic-sync", nil); err != nil {
		t.Errorf("run: %v", err)
	}

	withParams := &Command{Argv: []string{"sh", "-c", `test "$SYNC_PARAM_SOURCE_APP" = user`}}
	if err := withParams.Run(context.Background(), "one-time-sync", map[string]string{"source-app": "user"}); err != nil {
		t.Errorf("run with params: %v", err)
	}

	fail := &Command{Argv: []string{"sh", "-c", "echo remote unreachable >&2; exit 3"}}
	err := fail.Run(context.Background(), "periodic-sync", nil)
	if err == nil || !strings.Contains(err.Error(), "remote unreachable") {
		t.Errorf("err = %v", err)
	}
}

func TestCommand_Cancel(t *testing.T) {
	requireSh(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := &Command{Argv: []string{"sh", "-c", "sleep 5"}}
	start := time.Now()
	if err := c.Run(ctx, "periodic-sync", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("command not killed on cancel")
	}
}

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand("  rsync -a src dst ")
	if err != nil || len(c.Argv) != 4 || c.Argv[0] != "rsync" {
		t.Errorf("argv = %v (%v)", c, err)
	}
	if _, err := ParseCommand("   "); err == nil {
		t.Error("empty command accepted")
	}
}
