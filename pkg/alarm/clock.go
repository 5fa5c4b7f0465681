package alarm

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

const maxSleepCap = 60 * time.Second

var ErrInvalidAlarm = errors.New("alarm: invalid alarm")

// Alarm fires once at FireAt. With a positive Interval or a CronExpr it is re-armed after
// every firing; CronExpr wins when both are set.
type Alarm struct {
	Key      string
	FireAt   time.Time
	Interval time.Duration
	CronExpr string
}

func (a Alarm) recurring() bool { return a.Interval > 0 || a.CronExpr != "" }

// Clock fires alarms by key. Set and Remove take effect before they return.
type Clock struct {
	mu     sync.Mutex
	h      alarmHeap
	wake   chan struct{}
	onFire func(key string)
	now    func() time.Time
	log    *slog.Logger
}

type Option func(*Clock)

func WithLogger(l *slog.Logger) Option {
	return func(c *Clock) {
		if l != nil {
			c.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a stopped clock. onFire runs on the clock goroutine and must not block.
func New(onFire func(key string), opts ...Option) *Clock {
	c := &Clock{
		wake:   make(chan struct{}, 1),
		onFire: onFire,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set arms a, replacing any alarm with the same key. A zero FireAt is computed from the
// cron expression or the interval.
func (c *Clock) Set(a Alarm) error {
	if a.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidAlarm)
	}
	if a.CronExpr != "" && !gronx.IsValid(a.CronExpr) {
		return fmt.Errorf("%w: bad cron expression %q", ErrInvalidAlarm, a.CronExpr)
	}
	if a.Interval < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidAlarm)
	}
	if a.FireAt.IsZero() {
		if !a.recurring() {
			return fmt.Errorf("%w: %q has neither a fire time nor a schedule", ErrInvalidAlarm, a.Key)
		}
		next, err := nextFire(a, c.now())
		if err != nil {
			return err
		}
		a.FireAt = next
	}

	c.mu.Lock()
	c.h.removeKey(a.Key)
	heap.Push(&c.h, a)
	c.mu.Unlock()
	c.poke()
	return nil
}

// Remove disarms the alarm for key and reports whether one was armed.
func (c *Clock) Remove(key string) bool {
	c.mu.Lock()
	ok := c.h.removeKey(key)
	c.mu.Unlock()
	if ok {
		c.poke()
	}
	return ok
}

// Next returns the next fire time for key.
func (c *Clock) Next(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.h.find(key)
	return a.FireAt, ok
}

func (c *Clock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h.Len()
}

// Run fires due alarms until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		c.mu.Lock()
		if c.h.Len() == 0 {
			c.mu.Unlock()
			return nil
		}
		dur := c.h[0].FireAt.Sub(c.now())
		c.mu.Unlock()

		if dur > maxSleepCap {
			dur = maxSleepCap
		}
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}

	timerCh := resetTimer()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-timerCh:
			for _, key := range c.due() {
				c.fire(key)
			}
		}
		timerCh = resetTimer()
	}
}

// due pops every alarm whose time has come and re-arms the recurring ones.
func (c *Clock) due() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var keys []string
	for c.h.Len() > 0 && !c.h[0].FireAt.After(now) {
		a := heap.Pop(&c.h).(Alarm)
		keys = append(keys, a.Key)
		if !a.recurring() {
			continue
		}
		next, err := nextFire(a, now)
		if err != nil {
			c.log.Error("alarm dropped", "key", a.Key, "error", err)
			continue
		}
		a.FireAt = next
		heap.Push(&c.h, a)
	}
	return keys
}

func (c *Clock) fire(key string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("alarm callback panicked", "key", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	c.onFire(key)
}

func (c *Clock) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func nextFire(a Alarm, from time.Time) (time.Time, error) {
	if a.CronExpr != "" {
		next, err := gronx.NextTickAfter(a.CronExpr, from, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick for %q: %w", a.CronExpr, err)
		}
		return next, nil
	}
	return from.Add(a.Interval), nil
}
