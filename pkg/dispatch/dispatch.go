// Package dispatch runs the opaque sync task with a deadline and at most one invocation per
// task name.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"sync-scheduler/pkg/work"
)

const DefaultTimeout = 10 * time.Second

// Task is the external work. params are the work item's parameters, a private copy the task
// may keep. It should honor ctx; when it does not, the dispatcher abandons it at the deadline
// but keeps the name reserved until it actually returns.
type Task interface {
	Run(ctx context.Context, name string, params map[string]string) error
}

type TaskFunc func(ctx context.Context, name string, params map[string]string) error

func (f TaskFunc) Run(ctx context.Context, name string, params map[string]string) error {
	return f(ctx, name, params)
}

type Dispatcher struct {
	task    Task
	timeout time.Duration
	log     *slog.Logger
	observe func(name string, out work.Outcome, took time.Duration)

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) {
		if l != nil {
			x.log = l
		}
	}
}

// WithObserver registers a hook called after every finished execute, typically metrics.
func WithObserver(fn func(name string, out work.Outcome, took time.Duration)) Option {
	return func(x *Dispatcher) { x.observe = fn }
}

func New(task Task, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		task:    task,
		timeout: DefaultTimeout,
		log:     slog.Default(),
		running: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type result struct {
	err      error
	panicked any
}

// Execute runs the task for name and maps the result: nil is Success, a missed deadline is
// Retry("timeout"), an error or a panic is Failure. A non-positive timeout means the
// dispatcher default. A second call for a name that is still outstanding returns
// work.ErrAlreadyRunning without invoking the task; the name is free again as soon as the
// task returns. If ctx itself is cancelled the outcome is a Retry and the context error is
// returned.
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]string, timeout time.Duration) (work.Outcome, error) {
	if name == "" {
		return work.Outcome{}, fmt.Errorf("%w: empty task name", work.ErrInvalidArgument)
	}
	if !d.acquire(name) {
		return work.Outcome{}, fmt.Errorf("execute %q: %w", name, work.ErrAlreadyRunning)
	}
	if timeout <= 0 {
		timeout = d.timeout
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		r := d.run(runCtx, name, maps.Clone(params))
		d.release(name)
		done <- r
	}()

	var (
		out work.Outcome
		err error
	)
	select {
	case r := <-done:
		switch {
		case r.panicked != nil:
			out = work.Failure(fmt.Sprintf("panic: %v", r.panicked))
		case r.err == nil:
			out = work.Success()
		case ctx.Err() != nil:
			out, err = work.Retry(0, work.ReasonCancelled), fmt.Errorf("execute %q: %w", name, ctx.Err())
		case errors.Is(r.err, context.DeadlineExceeded):
			out = work.Retry(0, work.ReasonTimeout)
		default:
			out = work.Failure(r.err.Error())
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			out, err = work.Retry(0, work.ReasonCancelled), fmt.Errorf("execute %q: %w", name, ctx.Err())
			break
		}
		d.log.Warn("sync task timed out, abandoning", "task", name, "timeout", timeout)
		out = work.Retry(0, work.ReasonTimeout)
	}

	took := time.Since(start)
	if oerr := out.Err(); oerr != nil {
		d.log.Info("sync task finished", "task", name, "outcome", out.String(), "took", took, "error", oerr)
	} else {
		d.log.Info("sync task finished", "task", name, "outcome", out.String(), "took", took)
	}
	if d.observe != nil {
		d.observe(name, out, took)
	}
	return out, err
}

func (d *Dispatcher) run(ctx context.Context, name string, params map[string]string) (r result) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("sync task panicked", "task", name, "panic", p, "stack", string(debug.Stack()))
			r = result{panicked: p}
		}
	}()
	return result{err: d.task.Run(ctx, name, params)}
}

// Running reports whether an invocation for name is outstanding.
func (d *Dispatcher) Running(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[name]
	return ok
}

// Wait blocks until every started task goroutine has returned, including abandoned ones,
// or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) acquire(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.running[name]; busy {
		return false
	}
	d.running[name] = struct{}{}
	return true
}

func (d *Dispatcher) release(name string) {
	d.mu.Lock()
	delete(d.running, name)
	d.mu.Unlock()
}
