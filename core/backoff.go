package core

import (
	"math"
	"sync"
	"time"
)

// Jitter bounds applied to every computed backoff delay. Randomizing the
// delay spreads retry storms from many clients across time.
const (
	JitterMin = 0.75
	JitterMax = 1.25
)

// Delay computes the backoff delay before retry number attempt (1-based).
// The base delay grows geometrically (initial * multiplier^(attempt-1)),
// is capped at MaxDelay, then scaled by a jitter factor drawn uniformly
// from [JitterMin, JitterMax] using rnd, which must return values in [0, 1).
// Passing a fixed rnd makes the result deterministic under test.
func Delay(attempt int, config BackoffConfig, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if max := float64(config.MaxDelay); config.MaxDelay > 0 && base > max {
		base = max
	}

	jitter := JitterMin + rnd()*(JitterMax-JitterMin)
	return time.Duration(base * jitter)
}

// Throttle is a leading-edge rate limiter for callbacks: the first call in
// a window fires immediately, subsequent calls within the interval are
// dropped. Used to coalesce high-frequency presence updates.
type Throttle struct {
	interval time.Duration
	mu       sync.Mutex
	lastFire time.Time
}

// NewThrottle creates a throttle with the given minimum interval between fires.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Allow reports whether a call at time now should fire. The first call
// always fires; later calls fire only after the interval has elapsed since
// the last fire.
func (t *Throttle) Allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.lastFire.IsZero() && now.Sub(t.lastFire) < t.interval {
		return false
	}
	t.lastFire = now
	return true
}
