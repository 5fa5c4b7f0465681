package scheduler

import (
	"fmt"
	"time"

	"sync-scheduler/pkg/work"
)

type Config struct {
	// PeriodicInterval is the period of the periodic-sync item.
	PeriodicInterval time.Duration
	// PeriodicCron, when set, drives the periodic timer instead of the fixed interval.
	PeriodicCron string
	// Timeout bounds every execution.
	Timeout time.Duration
	// RequiresNetwork is the constraint attached to both sync items.
	RequiresNetwork bool

	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ContentionDelay is how long a contended item waits before it is dispatched again.
	ContentionDelay time.Duration
	// MinTriggerGap throttles the one-time submits raised by connectivity changes. Manual
	// requests are never throttled.
	MinTriggerGap time.Duration
}

func DefaultConfig() Config {
	return Config{
		PeriodicInterval: 15 * time.Minute,
		Timeout:          10 * time.Second,
		RequiresNetwork:  true,
		MaxRetries:       5,
		BackoffBase:      30 * time.Second,
		BackoffMax:       10 * time.Minute,
		ContentionDelay:  time.Second,
		MinTriggerGap:    3 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.PeriodicInterval <= 0:
		return fmt.Errorf("%w: periodic interval must be positive", work.ErrInvalidArgument)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", work.ErrInvalidArgument)
	case c.MaxRetries < 1:
		return fmt.Errorf("%w: max retries must be at least 1", work.ErrInvalidArgument)
	case c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("%w: backoff must satisfy 0 < base <= max", work.ErrInvalidArgument)
	case c.ContentionDelay <= 0:
		return fmt.Errorf("%w: contention delay must be positive", work.ErrInvalidArgument)
	case c.MinTriggerGap < 0:
		return fmt.Errorf("%w: negative manual trigger gap", work.ErrInvalidArgument)
	}
	return nil
}

func (c Config) periodic() work.Definition {
	return work.Definition{
		Name:        work.PeriodicSync,
		Kind:        work.KindPeriodic,
		Interval:    c.PeriodicInterval,
		Constraints: work.Constraints{RequiresNetwork: c.RequiresNetwork},
		Timeout:     c.Timeout,
	}
}

func (c Config) oneTime(params map[string]string) work.Definition {
	return work.Definition{
		Name:        work.OneTimeSync,
		Kind:        work.KindOneTime,
		Constraints: work.Constraints{RequiresNetwork: c.RequiresNetwork},
		Timeout:     c.Timeout,
		Params:      params,
	}
}
