// Package rpc exposes the manual trigger, the status snapshot and connectivity push
// notifications as JSON-RPC 2.0 over WebSocket.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"

	"sync-scheduler/pkg/connectivity"
	"sync-scheduler/pkg/scheduler"
	"sync-scheduler/pkg/work"
)

const (
	codeInvalidParams = jrpc2.Code(-32602)
	codeUnavailable   = jrpc2.Code(-32000)
)

// Service is the scheduler surface served over RPC.
type Service interface {
	TriggerNow(ctx context.Context, params map[string]string) (string, error)
	Status() scheduler.Status
}

type Connectivity interface {
	Snapshot() connectivity.Snapshot
}

type TriggerParams struct {
	Params map[string]string `json:"params,omitempty"`
}

type TriggerResult struct {
	Result string `json:"result"`
}

type ConnectivityResult struct {
	State            string    `json:"state"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

type Server struct {
	svc      Service
	conn     Connectivity
	methods  handler.Map
	notifier *Notifier
	log      *slog.Logger
}

func NewServer(svc Service, conn Connectivity, l *slog.Logger) *Server {
	if l == nil {
		l = slog.Default()
	}
	s := &Server{svc: svc, conn: conn, notifier: NewNotifier(l), log: l.With("component", "rpc")}
	s.methods = handler.Map{
		"sync.trigger":     handler.New(s.syncTrigger),
		"sync.status":      handler.New(s.syncStatus),
		"connectivity.get": handler.New(s.connectivityGet),
	}
	return s
}

func (s *Server) Notifier() *Notifier { return s.notifier }

// ServeHTTP upgrades the request to a WebSocket and serves one jrpc2 server on it until the
// peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := cws.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	ch := &wsChannel{conn: conn, ctx: r.Context()}
	srv := jrpc2.NewServer(s.methods, &jrpc2.ServerOptions{AllowPush: true}).Start(ch)

	s.notifier.Register(srv)
	defer s.notifier.Unregister(srv)
	if err := srv.Wait(); err != nil && !isClosed(err) {
		s.log.Debug("rpc session ended", "error", err)
	}
}

func (s *Server) syncTrigger(ctx context.Context, p TriggerParams) (TriggerResult, error) {
	res, err := s.svc.TriggerNow(ctx, p.Params)
	if err != nil {
		if errors.Is(err, work.ErrInvalidArgument) {
			return TriggerResult{}, &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
		}
		return TriggerResult{}, &jrpc2.Error{Code: codeUnavailable, Message: err.Error()}
	}
	return TriggerResult{Result: res}, nil
}

func (s *Server) syncStatus(_ context.Context) (scheduler.Status, error) {
	return s.svc.Status(), nil
}

func (s *Server) connectivityGet(_ context.Context) (ConnectivityResult, error) {
	if s.conn == nil {
		return ConnectivityResult{State: connectivity.Unknown.String()}, nil
	}
	snap := s.conn.Snapshot()
	return ConnectivityResult{State: snap.State.String(), LastTransitionAt: snap.LastTransitionAt}, nil
}

func isClosed(err error) bool {
	switch cws.CloseStatus(err) {
	case cws.StatusNormalClosure, cws.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
