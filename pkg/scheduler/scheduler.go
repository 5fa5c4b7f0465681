// Package scheduler is the single consumer of the trigger bus. It turns trigger events into
// registry submits, dispatches pending items whose constraints hold, and keeps the retry
// budget and backoff alarms of every item.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"sync-scheduler/pkg/alarm"
	"sync-scheduler/pkg/connectivity"
	"sync-scheduler/pkg/observability"
	"sync-scheduler/pkg/registry"
	"sync-scheduler/pkg/report"
	"sync-scheduler/pkg/trigger"
	"sync-scheduler/pkg/work"
)

// Manual request answers.
const (
	Triggered      = "triggered"
	AlreadyRunning = "already_running"
)

const (
	timerPrefix   = "timer:"
	backoffPrefix = "backoff:"

	reportQueue = 64
)

var ErrAlreadyStarted = errors.New("scheduler: already started")

// Executor runs one task invocation. dispatch.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, name string, params map[string]string, timeout time.Duration) (work.Outcome, error)
}

// Connectivity is the read side of the connectivity state.
type Connectivity interface {
	Snapshot() connectivity.Snapshot
}

type Scheduler struct {
	cfg      Config
	reg      *registry.Registry
	bus      *trigger.Bus
	exec     Executor
	conn     Connectivity
	reporter report.Reporter
	bootHook func(ctx context.Context)
	clock    *alarm.Clock
	log      *slog.Logger
	now      func() time.Time
	jitter   func() float64

	reports chan report.Report
	runCtx  context.Context

	// loop-owned
	lastKick time.Time

	mu       sync.Mutex
	started  bool
	deferred map[string]struct{}

	runs sync.WaitGroup
}

type Option func(*Scheduler)

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

func WithReporter(r report.Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithBootHook registers a function run on every BootCompleted event, after the periodic
// item was restored. The daemon uses it to restart the connectivity watcher.
func WithBootHook(fn func(ctx context.Context)) Option {
	return func(s *Scheduler) { s.bootHook = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJitter replaces the backoff jitter source. fn must return values in (0, 1].
func WithJitter(fn func() float64) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.jitter = fn
		}
	}
}

// New wires a scheduler. A nil conn is treated as always online.
func New(reg *registry.Registry, bus *trigger.Bus, exec Executor, conn Connectivity, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		cfg:      DefaultConfig(),
		reg:      reg,
		bus:      bus,
		exec:     exec,
		conn:     conn,
		reporter: report.Log{},
		log:      slog.Default(),
		now:      time.Now,
		jitter:   jitter,
		reports:  make(chan report.Report, reportQueue),
		deferred: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if reg == nil || bus == nil || exec == nil {
		return nil, fmt.Errorf("%w: scheduler needs a registry, a bus and an executor", work.ErrInvalidArgument)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	s.log = s.log.With("component", "scheduler")
	s.clock = alarm.New(s.alarmFired, alarm.WithLogger(s.log), alarm.WithClock(s.now))
	return s, nil
}

// Run restores the registry, then drains the bus until ctx is cancelled or the bus is closed.
// It waits for in-flight bookkeeping before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bg sync.WaitGroup
	s.runCtx = ctx

	if err := s.restore(ctx); err != nil {
		return err
	}

	bg.Add(2)
	go func() {
		defer bg.Done()
		s.clock.Run(ctx)
	}()
	go func() {
		defer bg.Done()
		s.deliverReports(ctx)
	}()
	defer func() {
		cancel()
		s.runs.Wait()
		bg.Wait()
	}()

	s.pump(ctx)

	for {
		ev, err := s.bus.Next(ctx)
		if err != nil {
			if errors.Is(err, trigger.ErrClosed) || ctx.Err() != nil {
				s.log.Info("scheduler stopped")
				return nil
			}
			return err
		}
		s.handle(ctx, ev)
	}
}

// TriggerNow is the manual entry point. It returns Triggered or AlreadyRunning.
func (s *Scheduler) TriggerNow(ctx context.Context, params map[string]string) (string, error) {
	reply := make(chan trigger.Reply, 1)
	if err := s.bus.Publish(ctx, trigger.Manual(params, reply)); err != nil {
		return "", fmt.Errorf("trigger sync: %w", err)
	}
	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type Status struct {
	Items           []work.Item           `json:"items"`
	Connectivity    connectivity.Snapshot `json:"connectivity"`
	Deferred        []string              `json:"deferred,omitempty"`
	NextPeriodicRun time.Time             `json:"next_periodic_run,omitempty"`
}

func (s *Scheduler) Status() Status {
	st := Status{Items: s.reg.List(), Connectivity: s.snapshot()}

	s.mu.Lock()
	for name := range s.deferred {
		st.Deferred = append(st.Deferred, name)
	}
	s.mu.Unlock()
	sort.Strings(st.Deferred)

	st.NextPeriodicRun, _ = s.clock.Next(timerPrefix + work.PeriodicSync)
	return st
}

func (s *Scheduler) handle(ctx context.Context, ev trigger.Event) {
	observability.TriggersReceived.WithLabelValues(ev.Kind.String()).Inc()
	s.log.Debug("trigger received", "event", ev.String(), "event_id", ev.ID.String())

	switch ev.Kind {
	case trigger.TimerFired:
		s.onTimer(ctx, ev.Task)
	case trigger.NetworkChanged:
		s.onNetwork(ctx, ev.Connected)
	case trigger.BootCompleted:
		s.onBootCompleted(ctx)
	case trigger.ManualRequest:
		res, err := s.onManual(ctx, ev.Params)
		if ev.Reply != nil {
			ev.Reply <- trigger.Reply{Result: res, Err: err}
		}
	case trigger.BackoffElapsed:
		s.onBackoff(ctx, ev.Task, ev.Generation)
	case trigger.RunFinished:
		s.onFinished(ctx, ev)
	default:
		s.log.Warn("unknown trigger ignored", "event", ev.String())
	}
}

func (s *Scheduler) onTimer(ctx context.Context, name string) {
	if name != work.PeriodicSync {
		s.log.Warn("timer for unknown task ignored", "task", name)
		return
	}
	res, err := s.submit(ctx, s.cfg.periodic(), work.PolicyKeepExisting)
	if err != nil {
		return
	}
	if res == work.ResultSkipped {
		it, ok := s.reg.Get(name)
		if ok && it.State == work.StateIdle {
			s.update(ctx, it, func(n *work.Item) {
				n.State = work.StatePending
				n.RetryCount = 0
			})
		}
	}
	s.pump(ctx)
}

func (s *Scheduler) onNetwork(ctx context.Context, connected bool) {
	if !connected {
		s.log.Info("network lost, dispatch paused")
		return
	}
	now := s.now()
	if !s.lastKick.IsZero() && now.Sub(s.lastKick) < s.cfg.MinTriggerGap {
		s.log.Debug("connectivity kick throttled", "since_last", now.Sub(s.lastKick))
	} else if _, err := s.submit(ctx, s.cfg.oneTime(nil), work.PolicyReplace); err == nil {
		s.lastKick = now
	}
	s.pump(ctx)
}

func (s *Scheduler) onBootCompleted(ctx context.Context) {
	def := s.cfg.periodic()
	policy := work.PolicyKeepExisting
	if it, ok := s.reg.Get(def.Name); ok && !it.SameSchedule(def) {
		policy = work.PolicyUpdate
	}
	res, err := s.submit(ctx, def, policy)
	if err == nil {
		if it, ok := s.reg.Get(def.Name); ok {
			s.armPeriodic(it, res == work.ResultMerged)
		}
	}
	if s.bootHook != nil {
		s.bootHook(ctx)
	}
	s.pump(ctx)
}

func (s *Scheduler) onManual(ctx context.Context, params map[string]string) (string, error) {
	it, ok := s.reg.Get(work.OneTimeSync)
	running := ok && it.State == work.StateRunning

	if _, err := s.submit(ctx, s.cfg.oneTime(params), work.PolicyReplace); err != nil {
		return "", err
	}
	s.pump(ctx)
	if running {
		return AlreadyRunning, nil
	}
	return Triggered, nil
}

func (s *Scheduler) onBackoff(ctx context.Context, name string, gen uint64) {
	it, ok := s.reg.Get(name)
	if !ok {
		return
	}
	if gen != 0 && gen != it.Generation {
		s.log.Debug("stale backoff alarm ignored", "task", name)
		return
	}
	if it.State == work.StateBackoff {
		if _, ok := s.update(ctx, it, func(n *work.Item) {
			n.State = work.StatePending
			n.BackoffUntil = time.Time{}
		}); !ok {
			return
		}
	}
	s.pump(ctx)
}

func (s *Scheduler) onFinished(ctx context.Context, ev trigger.Event) {
	name := ev.Task
	it, ok := s.reg.Get(name)
	if !ok || it.State != work.StateRunning {
		s.log.Debug("outcome for an item that is not running ignored", "task", name, "outcome", ev.Outcome.String())
		return
	}

	if it.Generation != ev.Generation {
		// superseded while running: discard and run the new definition
		s.log.Info("stale outcome discarded", "task", name, "outcome", ev.Outcome.String())
		if _, ok := s.update(ctx, it, func(n *work.Item) {
			n.State = work.StatePending
			n.Rerun = false
		}); ok {
			s.pump(ctx)
		}
		return
	}

	if ev.Contended {
		observability.Executions.WithLabelValues(name, "contended").Inc()
		if _, ok := s.update(ctx, it, func(n *work.Item) { n.State = work.StatePending }); ok {
			s.setBackoffAlarm(name, s.now().Add(s.cfg.ContentionDelay))
		}
		return
	}

	if ev.Outcome.Kind == work.OutcomeSuccess {
		s.settle(ctx, it, work.Success())
		return
	}

	attempt := it.RetryCount + 1
	reason := ev.Outcome.Reason
	if reason == "" {
		reason = ev.Outcome.String()
	}
	if attempt >= s.cfg.MaxRetries {
		s.log.Warn("retry budget exhausted", "task", name, "attempt", attempt, "reason", reason)
		observability.RetryBudgetExhausted.WithLabelValues(name).Inc()
		s.emitReport(report.New(name, report.KindFailure, reason, attempt))
		s.settle(ctx, it, work.Failure(reason), func(n *work.Item) { n.RetryCount = attempt })
		return
	}

	delay := expJitter(attempt, s.cfg.BackoffBase, s.cfg.BackoffMax, s.jitter)
	until := s.now().Add(delay)
	next, ok := s.update(ctx, it, func(n *work.Item) {
		n.State = work.StateBackoff
		n.BackoffUntil = until
		n.RetryCount = attempt
		n.LastOutcome = work.Retry(attempt, reason)
	})
	if ok {
		s.log.Info("sync scheduled for retry", "task", name, "attempt", attempt, "delay", delay)
		s.setBackoffAlarm(next.Name, until)
	}
}

// settle closes an attempt chain: one-time items leave the registry, periodic items go Idle.
func (s *Scheduler) settle(ctx context.Context, it work.Item, out work.Outcome, extra ...func(*work.Item)) {
	s.clock.Remove(backoffPrefix + it.Name)
	if it.Kind == work.KindOneTime {
		if err := s.reg.Remove(ctx, it.Name, it.Version); err != nil {
			s.log.Error("remove finished item", "task", it.Name, "error", err)
		}
		return
	}
	s.update(ctx, it, func(n *work.Item) {
		n.State = work.StateIdle
		n.LastOutcome = out
		n.BackoffUntil = time.Time{}
		if out.Kind == work.OutcomeSuccess {
			n.RetryCount = 0
		}
		for _, fn := range extra {
			fn(n)
		}
	})
}

// pump dispatches every pending item whose constraints hold and remembers the others.
func (s *Scheduler) pump(ctx context.Context) {
	online := s.snapshot().Online()
	for _, it := range s.reg.List() {
		if it.State != work.StatePending {
			continue
		}
		if it.Constraints.RequiresNetwork && !online {
			if s.markDeferred(it.Name, true) {
				observability.Deferred.WithLabelValues(it.Name).Inc()
				s.log.Debug("dispatch deferred", "task", it.Name, "error", work.ErrConstraintUnmet)
			}
			continue
		}
		s.markDeferred(it.Name, false)

		next, ok := s.update(ctx, it, func(n *work.Item) {
			n.State = work.StateRunning
			n.Rerun = false
		})
		if !ok {
			continue
		}
		s.launch(ctx, next)
	}
}

func (s *Scheduler) launch(ctx context.Context, it work.Item) {
	s.log.Info("dispatching sync", "task", it.Name, "generation", it.Generation, "attempt", it.RetryCount+1)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		out, err := s.exec.Execute(ctx, it.Name, it.Params, it.Timeout)
		contended := errors.Is(err, work.ErrAlreadyRunning)
		if err != nil && !contended {
			if ctx.Err() != nil {
				return
			}
			out = work.Failure(err.Error())
		}
		if err := s.bus.Publish(ctx, trigger.Finished(it.Name, it.Generation, out, contended)); err != nil && ctx.Err() == nil {
			s.log.Error("publish run outcome", "task", it.Name, "error", err)
		}
	}()
}

// submit wraps Registry.Submit with logging, metrics and invalid-argument reports.
func (s *Scheduler) submit(ctx context.Context, def work.Definition, policy work.Policy) (work.Result, error) {
	res, err := s.reg.Submit(ctx, def, policy)
	if err != nil {
		s.log.Error("submit failed", "task", def.Name, "policy", policy, "error", err)
		if errors.Is(err, work.ErrInvalidArgument) {
			s.emitReport(report.New(def.Name, report.KindInvalidArgument, err.Error(), 0))
		}
		return "", err
	}
	observability.SubmitResults.WithLabelValues(def.Name, string(policy), string(res)).Inc()
	s.log.Info("work submitted", "task", def.Name, "policy", policy, "result", res)
	if res == work.ResultReplaced {
		s.clock.Remove(backoffPrefix + def.Name)
	}
	return res, nil
}

func (s *Scheduler) update(ctx context.Context, it work.Item, mutate func(*work.Item)) (work.Item, bool) {
	next, err := s.reg.CompareAndUpdate(ctx, it.Name, it.Version, mutate)
	if err != nil {
		s.log.Error("update work item", "task", it.Name, "error", err)
		return work.Item{}, false
	}
	return next, true
}

// restore rebuilds runtime state after a process restart. Items that were running when the
// process died are dispatched again; backoff deadlines and the periodic timer are re-armed.
func (s *Scheduler) restore(ctx context.Context) error {
	n, err := s.reg.Load(ctx)
	if err != nil {
		return err
	}
	for _, it := range s.reg.List() {
		switch it.State {
		case work.StateRunning:
			if _, ok := s.update(ctx, it, func(n *work.Item) {
				n.State = work.StatePending
				n.Rerun = false
			}); ok {
				s.log.Info("interrupted sync recovered", "task", it.Name)
			}
		case work.StateBackoff:
			s.setBackoffAlarm(it.Name, it.BackoffUntil)
		}
		if it.Kind == work.KindPeriodic {
			s.armPeriodic(it, false)
		}
	}
	s.log.Info("registry restored", "items", n)
	return nil
}

func (s *Scheduler) armPeriodic(it work.Item, force bool) {
	key := timerPrefix + it.Name
	if _, armed := s.clock.Next(key); armed && !force {
		return
	}
	a := alarm.Alarm{Key: key, Interval: it.Interval, CronExpr: s.cfg.PeriodicCron}
	if err := s.clock.Set(a); err != nil {
		s.log.Error("arm periodic timer", "task", it.Name, "error", err)
	}
}

// setBackoffAlarm arms the one-shot alarm for name. The generation is read when it fires.
func (s *Scheduler) setBackoffAlarm(name string, at time.Time) {
	if err := s.clock.Set(alarm.Alarm{Key: backoffPrefix + name, FireAt: at}); err != nil {
		s.log.Error("arm backoff alarm", "task", name, "error", err)
	}
}

// alarmFired runs on the clock goroutine, which only exists while Run does.
func (s *Scheduler) alarmFired(key string) {
	ctx := s.runCtx
	var ev trigger.Event
	switch {
	case strings.HasPrefix(key, timerPrefix):
		ev = trigger.Timer(strings.TrimPrefix(key, timerPrefix))
	case strings.HasPrefix(key, backoffPrefix):
		name := strings.TrimPrefix(key, backoffPrefix)
		it, _ := s.reg.Get(name)
		ev = trigger.Backoff(name, it.Generation)
	default:
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil && ctx.Err() == nil {
		s.log.Warn("alarm event not delivered", "event", ev.String(), "error", err)
	}
}

func (s *Scheduler) emitReport(r report.Report) {
	select {
	case s.reports <- r:
	default:
		s.log.Error("report queue full", "task", r.Task, "kind", string(r.Kind), "reason", r.Reason)
	}
}

func (s *Scheduler) deliverReports(ctx context.Context) {
	flush := func(r report.Report) {
		if err := s.reporter.Report(context.WithoutCancel(ctx), r); err != nil {
			s.log.Error("deliver report", "task", r.Task, "report_id", r.ID.String(), "error", err)
		}
	}
	for {
		select {
		case r := <-s.reports:
			flush(r)
		case <-ctx.Done():
			for {
				select {
				case r := <-s.reports:
					flush(r)
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) snapshot() connectivity.Snapshot {
	if s.conn == nil {
		return connectivity.Snapshot{State: connectivity.Online}
	}
	return s.conn.Snapshot()
}

func (s *Scheduler) markDeferred(name string, deferred bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, was := s.deferred[name]
	if deferred {
		s.deferred[name] = struct{}{}
	} else {
		delete(s.deferred, name)
	}
	return deferred && !was
}
