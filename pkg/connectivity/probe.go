package connectivity

import (
	"context"
	"errors"
	"net"
	"time"
)

// Prober reports whether the host currently has usable network access.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// DialProber treats a successful TCP connect to any of Addrs as online.
type DialProber struct {
	Addrs   []string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) (bool, error) {
	if len(p.Addrs) == 0 {
		return false, errors.New("connectivity: no probe address configured")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	for _, addr := range p.Addrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return true, nil
		}
	}
	// unreachable is an answer, not a probe failure
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}
