// Package api serves the daemon's HTTP surface: the manual trigger, the status snapshot,
// health, metrics and the JSON-RPC WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sync-scheduler/pkg/rpc"
	"sync-scheduler/pkg/scheduler"
	"sync-scheduler/pkg/work"
)

const (
	maxBody         = 64 << 10
	shutdownTimeout = 5 * time.Second
)

type TriggerRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

type TriggerResponse struct {
	Result string `json:"result"`
}

type Server struct {
	svc    rpc.Service
	rpc    http.Handler
	health func(ctx context.Context) error
	log    *slog.Logger
	mux    *http.ServeMux
}

type Option func(*Server)

// WithRPC mounts h on /rpc.
func WithRPC(h http.Handler) Option {
	return func(s *Server) { s.rpc = h }
}

// WithHealthCheck makes /healthz report 503 when fn fails.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func New(svc rpc.Service, opts ...Option) *Server {
	s := &Server{svc: svc, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "api")

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/trigger", s.handleTrigger)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.rpc != nil {
		s.mux.Handle("/rpc", s.rpc)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("API server starting", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.svc.TriggerNow(r.Context(), req.Params)
	switch {
	case errors.Is(err, work.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("manual trigger failed", "error", err)
		http.Error(w, "Scheduler unavailable", http.StatusServiceUnavailable)
		return
	}

	status := http.StatusOK
	if res == scheduler.Triggered {
		status = http.StatusAccepted
	}
	writeJSON(w, status, TriggerResponse{Result: res})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Warn("health check failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
