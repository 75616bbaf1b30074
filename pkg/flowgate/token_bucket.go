package flowgate

import (
	"sync"
	"time"

	"github.com/yourusername/flowgate/core"
)

// Bucket is a mutable token bucket gating one named feature area.
// Refill is lazy: every read or consume first advances the token count by
// the elapsed wall-clock time, so no background timer is needed.
type Bucket struct {
	algo  *core.TokenBucket
	state *core.BucketState
	now   func() time.Time // injectable clock for deterministic tests
	mu    sync.Mutex
}

// NewBucket creates a token bucket starting full.
//
// Example: NewBucket(20, 0.333) allows a burst of 20 operations and then
// roughly one every 3 seconds sustained.
func NewBucket(capacity, refillPerSec float64) (*Bucket, error) {
	if capacity <= 0 {
		return nil, ErrNegativeCapacity
	}
	if refillPerSec <= 0 {
		return nil, ErrNegativeRefillRate
	}

	return &Bucket{
		algo: core.NewTokenBucket(core.BucketConfig{
			Capacity:     capacity,
			RefillPerSec: refillPerSec,
		}),
		now: time.Now,
	}, nil
}

// TryConsume attempts to consume one token. Never blocks.
func (b *Bucket) TryConsume() bool {
	return b.TryConsumeN(1)
}

// TryConsumeN attempts to consume n tokens atomically, refilling first.
// Returns whether consumption succeeded. Never blocks.
func (b *Bucket) TryConsumeN(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, result := b.algo.Check(b.state, n, b.now())
	b.state = state
	return result.Allowed
}

// WaitTime returns how long until one token will be available.
// Returns 0 if a token is consumable immediately.
func (b *Bucket) WaitTime() time.Duration {
	return b.WaitTimeN(1)
}

// WaitTimeN returns how long until n tokens will have accumulated.
func (b *Bucket) WaitTimeN(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Observe without consuming
	state, result := b.algo.Check(b.state, 0, b.now())
	b.state = state
	if result.Remaining >= n {
		return 0
	}
	_, result = b.algo.Check(b.state, n, b.now())
	return time.Duration(result.WaitMs) * time.Millisecond
}

// Remaining returns the tokens currently available. Snapshot only; the value
// may change immediately under concurrent access.
func (b *Bucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, result := b.algo.Check(b.state, 0, b.now())
	b.state = state
	return result.Remaining
}

// Capacity returns the maximum number of tokens the bucket holds.
func (b *Bucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, result := b.algo.Check(b.state, 0, b.now())
	return result.Limit
}
