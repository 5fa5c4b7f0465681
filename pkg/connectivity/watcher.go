package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var ErrAlreadyStarted = errors.New("connectivity: watcher already started")

const (
	DefaultProbeInterval = 5 * time.Second
	DefaultDebounce      = 2 * time.Second

	observerBuffer = 8
)

// Watcher is the single writer of the connectivity state. Raw observations come from a
// periodic Prober and from Report (host callbacks); both pass through one debounce window so
// that a flap shorter than the window produces no transition at all.
type Watcher struct {
	prober   Prober
	interval time.Duration
	debounce time.Duration
	log      *slog.Logger
	now      func() time.Time

	snap atomic.Pointer[Snapshot]

	latest atomic.Bool
	rawSig chan struct{}

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	sinks   []*sink
	wg      sync.WaitGroup
}

type sink struct {
	o  Observer
	ch chan Snapshot
}

type Option func(*Watcher)

// WithProber sets the polling prober. A nil prober disables polling; only Report feeds the watcher.
func WithProber(p Prober) Option {
	return func(w *Watcher) { w.prober = p }
}

func WithProbeInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounce sets the debounce window. Zero commits every genuine change immediately.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWatcher(opts ...Option) *Watcher {
	w := &Watcher{
		interval: DefaultProbeInterval,
		debounce: DefaultDebounce,
		log:      slog.Default(),
		now:      time.Now,
		rawSig:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.snap.Store(&Snapshot{State: Unknown})
	return w
}

// Snapshot returns the last committed state. It is safe for concurrent use.
func (w *Watcher) Snapshot() Snapshot {
	return *w.snap.Load()
}

// Running reports whether Start has been called without a matching Stop.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Start begins monitoring. onChange is called from the watcher goroutine once per committed
// transition; it should return promptly, the next probe waits for it.
func (w *Watcher) Start(ctx context.Context, onChange func(connected bool)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}

	w.snap.Store(&Snapshot{State: Unknown, LastTransitionAt: w.now()})
	loopCtx, cancel := context.WithCancel(ctx)
	w.ctx = loopCtx
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true

	for _, s := range w.sinks {
		w.runSink(loopCtx, s)
	}
	go w.loop(loopCtx, onChange, w.done)

	w.log.Info("connectivity watcher started", "probe_interval", w.interval, "debounce", w.debounce)
	return nil
}

// Stop unregisters the watcher and waits for its goroutines. It is a no-op when the watcher
// is not running and may be called any number of times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.wg.Wait()
	w.log.Info("connectivity watcher stopped")
}

// AddObserver registers an external listener for committed transitions.
func (w *Watcher) AddObserver(o Observer) {
	if o == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := &sink{o: o, ch: make(chan Snapshot, observerBuffer)}
	w.sinks = append(w.sinks, s)
	if w.started {
		w.runSink(w.ctx, s)
	}
}

// Report feeds a raw observation from a host callback. Reports are coalesced to the latest value.
func (w *Watcher) Report(online bool) {
	w.latest.Store(online)
	select {
	case w.rawSig <- struct{}{}:
	default:
	}
}

func (w *Watcher) loop(ctx context.Context, onChange func(bool), done chan struct{}) {
	defer close(done)

	var tickC <-chan time.Time
	if w.prober != nil {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tickC = ticker.C
		if online, ok := w.probe(ctx); ok {
			w.Report(online)
		}
	}

	var (
		timer     *time.Timer
		debounceC <-chan time.Time
		pending   bool
		candidate bool
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		debounceC = nil
		pending = false
	}
	defer stopTimer()

	commit := func(online bool) {
		if w.Snapshot().State == stateOf(online) {
			return
		}
		snap := Snapshot{State: stateOf(online), LastTransitionAt: w.now()}
		w.snap.Store(&snap)
		w.log.Info("connectivity changed", "state", snap.State.String())
		w.emit(onChange, online)
		w.fanOut(snap)
	}

	observe := func(online bool) {
		if w.Snapshot().State == stateOf(online) {
			// flipped back inside the window
			stopTimer()
			return
		}
		if pending && candidate == online {
			return
		}
		if w.debounce <= 0 {
			stopTimer()
			commit(online)
			return
		}
		stopTimer()
		candidate, pending = online, true
		timer = time.NewTimer(w.debounce)
		debounceC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
			if online, ok := w.probe(ctx); ok {
				observe(online)
			}
		case <-w.rawSig:
			observe(w.latest.Load())
		case <-debounceC:
			online := candidate
			debounceC, pending = nil, false
			commit(online)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) (bool, bool) {
	pctx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()
	online, err := w.prober.Probe(pctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("connectivity probe failed", "error", err)
		}
		return false, false
	}
	return online, true
}

func (w *Watcher) emit(onChange func(bool), online bool) {
	if onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("connectivity callback panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	onChange(online)
}

func (w *Watcher) fanOut(snap Snapshot) {
	w.mu.Lock()
	sinks := append([]*sink(nil), w.sinks...)
	w.mu.Unlock()

	for _, s := range sinks {
		select {
		case s.ch <- snap:
		default:
			w.log.Warn("connectivity observer is slow, dropping update", "state", snap.State.String())
		}
	}
}

func (w *Watcher) runSink(ctx context.Context, s *sink) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-s.ch:
				w.deliver(s.o, snap)
			}
		}
	}()
}

func (w *Watcher) deliver(o Observer, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("connectivity observer panicked", "panic", r)
		}
	}()
	o.ConnectivityChanged(snap)
}
