package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sync-scheduler/pkg/connectivity"
	"sync-scheduler/pkg/registry"
	"sync-scheduler/pkg/report"
	"sync-scheduler/pkg/trigger"
	"sync-scheduler/pkg/work"
)

type fakeConn struct{ online atomic.Bool }

func (c *fakeConn) Snapshot() connectivity.Snapshot {
	if c.online.Load() {
		return connectivity.Snapshot{State: connectivity.Online}
	}
	return connectivity.Snapshot{State: connectivity.Offline}
}

// fakeExec counts calls per name, keeps the last params seen, and delegates to fn.
type fakeExec struct {
	mu     sync.Mutex
	calls  map[string]int
	params map[string]map[string]string
	fn     func(ctx context.Context, name string, call int) (work.Outcome, error)
}

func (e *fakeExec) Execute(ctx context.Context, name string, params map[string]string, timeout time.Duration) (work.Outcome, error) {
	e.mu.Lock()
	if e.calls == nil {
		e.calls = make(map[string]int)
		e.params = make(map[string]map[string]string)
	}
	e.calls[name]++
	e.params[name] = params
	n := e.calls[name]
	e.mu.Unlock()
	if e.fn == nil {
		return work.Success(), nil
	}
	return e.fn(ctx, name, n)
}

func (e *fakeExec) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[name]
}

func (e *fakeExec) lastParams(name string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params[name]
}

type reports struct {
	mu  sync.Mutex
	got []report.Report
}

func (r *reports) Report(ctx context.Context, rep report.Report) error {
	r.mu.Lock()
	r.got = append(r.got, rep)
	r.mu.Unlock()
	return nil
}

func (r *reports) list() []report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Report(nil), r.got...)
}

type harness struct {
	s    *Scheduler
	reg  *registry.Registry
	bus  *trigger.Bus
	conn *fakeConn
	exec *fakeExec
	reps *reports
	boot atomic.Int32
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BackoffBase = 2 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.ContentionDelay = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, online bool, exec *fakeExec, cfg Config, store registry.Store) *harness {
	t.Helper()
	h := &harness{
		reg:  registry.New(store),
		bus:  trigger.NewBus(trigger.DefaultCapacity),
		conn: &fakeConn{},
		exec: exec,
		reps: &reports{},
	}
	h.conn.online.Store(online)

	s, err := New(h.reg, h.bus, exec, h.conn,
		WithConfig(cfg),
		WithReporter(h.reps),
		WithJitter(func() float64 { return 1 }),
		WithBootHook(func(context.Context) { h.boot.Add(1) }),
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	h.s = s

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	return h
}

func (h *harness) publish(t *testing.T, ev trigger.Event) {
	t.Helper()
	if err := h.bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish %s: %v", ev, err)
	}
}

func (h *harness) item(name string) (work.Item, bool) { return h.reg.Get(name) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, name string, state work.State) work.Item {
	t.Helper()
	var it work.Item
	waitFor(t, name+" in "+string(state), func() bool {
		var ok bool
		it, ok = h.item(name)
		return ok && it.State == state
	})
	return it
}

func (h *harness) waitGone(t *testing.T, name string) {
	t.Helper()
	waitFor(t, name+" removed", func() bool {
		_, ok := h.item(name)
		return !ok
	})
}

func TestScheduler_OfflineTimersRunOnceWhenOnline(t *testing.T) {
	h := newHarness(t, false, &fakeExec{}, testConfig(), nil)

	h.publish(t, trigger.Boot())
	h.publish(t, trigger.Timer(work.PeriodicSync))
	h.publish(t, trigger.Timer(work.PeriodicSync))
	waitFor(t, "periodic deferred", func() bool {
		st := h.s.Status()
		return len(st.Deferred) == 1 && st.Deferred[0] == work.PeriodicSync
	})
	if it, _ := h.item(work.PeriodicSync); it.State != work.StatePending {
		t.Fatalf("expected pending while offline, got %s", it.State)
	}
	if h.exec.count(work.PeriodicSync) != 0 {
		t.Fatal("dispatched while offline")
	}

	h.conn.online.Store(true)
	h.publish(t, trigger.Network(true))

	h.waitState(t, work.PeriodicSync, work.StateIdle)
	h.waitGone(t, work.OneTimeSync)
	time.Sleep(30 * time.Millisecond)

	if n := h.exec.count(work.PeriodicSync); n != 1 {
		t.Fatalf("expected exactly one periodic execution, got %d", n)
	}
	if n := h.exec.count(work.OneTimeSync); n != 1 {
		t.Fatalf("expected exactly one one-time execution, got %d", n)
	}
	if len(h.s.Status().Deferred) != 0 {
		t.Fatalf("nothing should stay deferred: %v", h.s.Status().Deferred)
	}
}

func TestScheduler_ManualReplacesPending(t *testing.T) {
	h := newHarness(t, false, &fakeExec{}, testConfig(), nil)
	ctx := context.Background()

	res, err := h.s.TriggerNow(ctx, map[string]string{"source": "first"})
	if err != nil || res != Triggered {
		t.Fatalf("first trigger: %q %v", res, err)
	}
	res, err = h.s.TriggerNow(ctx, map[string]string{"source": "second"})
	if err != nil || res != Triggered {
		t.Fatalf("second trigger: %q %v", res, err)
	}

	it, ok := h.item(work.OneTimeSync)
	if !ok {
		t.Fatal("one-time item missing")
	}
	if it.Generation != 2 || it.Params["source"] != "second" || it.LastPolicy != work.PolicyReplace {
		t.Fatalf("expected the second request to replace the first: %+v", it)
	}
	if len(h.reg.List()) != 1 {
		t.Fatalf("expected a single item, got %d", len(h.reg.List()))
	}

	h.conn.online.Store(true)
	h.publish(t, trigger.Network(true))
	h.waitGone(t, work.OneTimeSync)
	if n := h.exec.count(work.OneTimeSync); n != 1 {
		t.Fatalf("expected one execution, got %d", n)
	}
}

func TestScheduler_ManualIsNeverThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.MinTriggerGap = DefaultConfig().MinTriggerGap
	h := newHarness(t, false, &fakeExec{}, cfg, nil)
	ctx := context.Background()

	for _, source := range []string{"first", "second"} {
		res, err := h.s.TriggerNow(ctx, map[string]string{"source": source})
		if err != nil || res != Triggered {
			t.Fatalf("%s trigger: %q %v", source, res, err)
		}
	}
	it, _ := h.item(work.OneTimeSync)
	if it.Generation != 2 || it.Params["source"] != "second" || it.LastPolicy != work.PolicyReplace {
		t.Fatalf("expected the second request to replace the first: %+v", it)
	}
}

func TestScheduler_NetworkKickThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.MinTriggerGap = time.Hour
	h := newHarness(t, false, &fakeExec{}, cfg, nil)
	ctx := context.Background()

	h.publish(t, trigger.Network(true))
	h.publish(t, trigger.Network(true))
	h.publish(t, trigger.Network(true))
	// the manual request is handled after the queued network events
	if res, err := h.s.TriggerNow(ctx, map[string]string{"source": "user"}); err != nil || res != Triggered {
		t.Fatalf("manual trigger: %q %v", res, err)
	}

	it, ok := h.item(work.OneTimeSync)
	if !ok {
		t.Fatal("one-time item missing")
	}
	if it.Generation != 2 || it.Params["source"] != "user" {
		t.Fatalf("expected one network submit and one manual replace, got %+v", it)
	}
}

func TestScheduler_BootMergesChangedSchedule(t *testing.T) {
	store := registry.NewMemoryStore()
	old := testConfig().periodic()
	old.Interval = 5 * time.Minute
	if _, _, err := store.EnqueueUniquePeriodic(context.Background(), old, work.PolicyKeepExisting); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// offline keeps the item pending so the assertions see a stable state
	h := newHarness(t, false, &fakeExec{}, testConfig(), store)
	h.publish(t, trigger.Boot())
	waitFor(t, "boot handled", func() bool { return h.boot.Load() == 1 })

	it, _ := h.item(work.PeriodicSync)
	if it.Interval != 15*time.Minute || it.LastPolicy != work.PolicyUpdate {
		t.Fatalf("expected merged interval, got %+v", it)
	}
	if it.Generation != 1 {
		t.Fatalf("merge must keep the generation, got %d", it.Generation)
	}
	version := it.Version

	h.publish(t, trigger.Boot())
	waitFor(t, "second boot handled", func() bool { return h.boot.Load() == 2 })
	if it, _ := h.item(work.PeriodicSync); it.Version != version {
		t.Fatalf("unchanged schedule must be kept as is, version %d -> %d", version, it.Version)
	}
	if h.s.Status().NextPeriodicRun.IsZero() {
		t.Fatal("periodic timer not armed")
	}
}

func TestScheduler_ManualParamsReachTask(t *testing.T) {
	exec := &fakeExec{}
	h := newHarness(t, true, exec, testConfig(), nil)

	if res, err := h.s.TriggerNow(context.Background(), map[string]string{"source": "user"}); err != nil || res != Triggered {
		t.Fatalf("trigger: %q %v", res, err)
	}
	waitFor(t, "one-time run", func() bool { return exec.count(work.OneTimeSync) == 1 })
	if got := exec.lastParams(work.OneTimeSync); got["source"] != "user" {
		t.Fatalf("task saw params %v", got)
	}
}

func TestScheduler_TimeoutsExhaustRetryBudget(t *testing.T) {
	exec := &fakeExec{fn: func(ctx context.Context, name string, call int) (work.Outcome, error) {
		return work.Retry(0, "timeout"), nil
	}}
	h := newHarness(t, true, exec, testConfig(), nil)

	if res, err := h.s.TriggerNow(context.Background(), nil); err != nil || res != Triggered {
		t.Fatalf("trigger: %q %v", res, err)
	}
	h.waitGone(t, work.OneTimeSync)
	waitFor(t, "failure report", func() bool { return len(h.reps.list()) == 1 })

	if n := exec.count(work.OneTimeSync); n != 3 {
		t.Fatalf("expected %d attempts, got %d", 3, n)
	}
	r := h.reps.list()[0]
	if r.Kind != report.KindFailure || r.Attempts != 3 || r.Reason != "timeout" || r.Task != work.OneTimeSync {
		t.Fatalf("unexpected report %+v", r)
	}
}

func TestScheduler_PeriodicFailureGoesIdleUntilNextTrigger(t *testing.T) {
	exec := &fakeExec{fn: func(ctx context.Context, name string, call int) (work.Outcome, error) {
		if call <= 3 {
			return work.Failure("server error"), nil
		}
		return work.Success(), nil
	}}
	h := newHarness(t, true, exec, testConfig(), nil)

	h.publish(t, trigger.Boot())
	it := h.waitState(t, work.PeriodicSync, work.StateIdle)
	if it.LastOutcome.Kind != work.OutcomeFailure || it.RetryCount != 3 {
		t.Fatalf("expected terminal failure after the budget, got %+v", it)
	}

	h.publish(t, trigger.Timer(work.PeriodicSync))
	waitFor(t, "fourth attempt", func() bool { return exec.count(work.PeriodicSync) == 4 })
	it = h.waitState(t, work.PeriodicSync, work.StateIdle)
	if it.LastOutcome.Kind != work.OutcomeSuccess || it.RetryCount != 0 {
		t.Fatalf("expected success to reset the budget, got %+v", it)
	}
}

func TestScheduler_ReplaceWhileRunningDiscardsStaleOutcome(t *testing.T) {
	gate := make(chan struct{})
	exec := &fakeExec{fn: func(ctx context.Context, name string, call int) (work.Outcome, error) {
		if call == 1 {
			<-gate
			return work.Failure("stale"), nil
		}
		return work.Success(), nil
	}}
	h := newHarness(t, true, exec, testConfig(), nil)
	ctx := context.Background()

	if res, _ := h.s.TriggerNow(ctx, nil); res != Triggered {
		t.Fatalf("expected triggered, got %q", res)
	}
	h.waitState(t, work.OneTimeSync, work.StateRunning)

	res, err := h.s.TriggerNow(ctx, map[string]string{"source": "user"})
	if err != nil || res != AlreadyRunning {
		t.Fatalf("expected already_running, got %q %v", res, err)
	}
	it, _ := h.item(work.OneTimeSync)
	if it.State != work.StateRunning || !it.Rerun || it.Generation != 2 {
		t.Fatalf("expected running item marked for rerun, got %+v", it)
	}

	close(gate)
	h.waitGone(t, work.OneTimeSync)
	if n := exec.count(work.OneTimeSync); n != 2 {
		t.Fatalf("expected the new definition to run once more, got %d executions", n)
	}
	if len(h.reps.list()) != 0 {
		t.Fatalf("stale outcome must be discarded, got reports %v", h.reps.list())
	}
}

func TestScheduler_ContentionDoesNotConsumeBudget(t *testing.T) {
	exec := &fakeExec{fn: func(ctx context.Context, name string, call int) (work.Outcome, error) {
		if call == 1 {
			return work.Outcome{}, work.ErrAlreadyRunning
		}
		return work.Success(), nil
	}}
	h := newHarness(t, true, exec, testConfig(), nil)

	h.publish(t, trigger.Boot())
	it := h.waitState(t, work.PeriodicSync, work.StateIdle)
	if exec.count(work.PeriodicSync) != 2 {
		t.Fatalf("expected a second dispatch after contention, got %d", exec.count(work.PeriodicSync))
	}
	if it.RetryCount != 0 || it.LastOutcome.Kind != work.OutcomeSuccess {
		t.Fatalf("contention consumed budget: %+v", it)
	}
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	exec := &fakeExec{fn: func(ctx context.Context, name string, call int) (work.Outcome, error) {
		if call == 1 {
			return work.Retry(0, "timeout"), nil
		}
		return work.Success(), nil
	}}
	h := newHarness(t, true, exec, testConfig(), nil)

	h.publish(t, trigger.Boot())
	it := h.waitState(t, work.PeriodicSync, work.StateIdle)
	if exec.count(work.PeriodicSync) != 2 || it.RetryCount != 0 {
		t.Fatalf("expected retry then success, calls=%d item=%+v", exec.count(work.PeriodicSync), it)
	}
}

func TestScheduler_RestoresInterruptedWork(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	it, _, err := store.EnqueueUnique(ctx, testConfig().oneTime(nil), work.PolicyReplace)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	it.State = work.StateRunning
	it.Version++
	if err := store.Save(ctx, it); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	exec := &fakeExec{}
	h := newHarness(t, true, exec, testConfig(), store)
	waitFor(t, "recovered dispatch", func() bool { return exec.count(work.OneTimeSync) == 1 })
	h.waitGone(t, work.OneTimeSync)
	time.Sleep(20 * time.Millisecond)
	if exec.count(work.OneTimeSync) != 1 {
		t.Fatalf("interrupted work must run once after restart, got %d", exec.count(work.OneTimeSync))
	}
}

func TestScheduler_NoDuplicateItemsUnderConcurrentTriggers(t *testing.T) {
	h := newHarness(t, false, &fakeExec{}, testConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				h.s.TriggerNow(context.Background(), nil)
			case 1:
				h.bus.Publish(context.Background(), trigger.Network(true))
			case 2:
				h.bus.Publish(context.Background(), trigger.Timer(work.PeriodicSync))
			default:
				h.bus.Publish(context.Background(), trigger.Boot())
			}
		}(i)
	}
	wg.Wait()
	waitFor(t, "boot handled", func() bool { return h.boot.Load() == 5 })

	names := map[string]int{}
	for _, it := range h.reg.List() {
		names[it.Name]++
	}
	if len(names) != 2 || names[work.PeriodicSync] != 1 || names[work.OneTimeSync] != 1 {
		t.Fatalf("expected one item per name, got %v", names)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	_, err := New(registry.New(nil), trigger.NewBus(1), &fakeExec{}, nil, WithConfig(cfg))
	if !errors.Is(err, work.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := New(nil, nil, nil, nil); !errors.Is(err, work.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing collaborators, got %v", err)
	}
}

func TestExpJitter(t *testing.T) {
	one := func() float64 { return 1 }
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{6, 10 * time.Minute},
		{200, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := expJitter(tc.attempt, 30*time.Second, 10*time.Minute, one); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
	if got := expJitter(1, time.Second, time.Minute, func() float64 { return 0.5 }); got != 500*time.Millisecond {
		t.Errorf("jitter not applied: %v", got)
	}
}
