package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/jrpc2"

	"sync-scheduler/pkg/connectivity"
)

const ConnectivityChanged = "connectivity.changed"

// ConnectivityNotification is pushed to every connected client on a committed transition.
type ConnectivityNotification struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// Notifier maintains the set of connected jrpc2 servers and broadcasts push notifications
// to all of them.
type Notifier struct {
	mu      sync.RWMutex
	servers map[*jrpc2.Server]struct{}
	log     *slog.Logger
}

func NewNotifier(l *slog.Logger) *Notifier {
	if l == nil {
		l = slog.Default()
	}
	return &Notifier{servers: make(map[*jrpc2.Server]struct{}), log: l}
}

func (n *Notifier) Register(srv *jrpc2.Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[srv] = struct{}{}
}

func (n *Notifier) Unregister(srv *jrpc2.Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, srv)
}

// Broadcast sends a push notification to all registered servers. Servers that fail to
// receive it are unregistered.
func (n *Notifier) Broadcast(method string, params any) {
	n.mu.RLock()
	servers := make([]*jrpc2.Server, 0, len(n.servers))
	for srv := range n.servers {
		servers = append(servers, srv)
	}
	n.mu.RUnlock()

	var failed []*jrpc2.Server
	for _, srv := range servers {
		if err := srv.Notify(context.Background(), method, params); err != nil {
			n.log.Warn("rpc push failed", "method", method, "error", err)
			failed = append(failed, srv)
		}
	}

	if len(failed) > 0 {
		n.mu.Lock()
		for _, srv := range failed {
			delete(n.servers, srv)
		}
		n.mu.Unlock()
	}
}

func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.servers)
}

// ConnectivityChanged implements connectivity.Observer.
func (n *Notifier) ConnectivityChanged(s connectivity.Snapshot) {
	n.Broadcast(ConnectivityChanged, ConnectivityNotification{State: s.State.String(), At: s.LastTransitionAt})
}
