package scheduler

import (
	"math/rand"
	"time"
)

// expJitter returns min(base << (attempt-1), max) scaled by rnd.
func expJitter(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d <<= 1
	}
	if d > max {
		d = max
	}
	return time.Duration(float64(d) * rnd())
}

// jitter is uniform in (0, 1].
func jitter() float64 { return 1 - rand.Float64() }
