package core

import (
	"math"
	"time"
)

// TokenBucket implements the token bucket rate limiting algorithm over
// explicit state. The caller owns the state and supplies the clock, which
// keeps the algorithm deterministic under test.
type TokenBucket struct {
	config BucketConfig
}

// NewTokenBucket creates a new token bucket with the given configuration
func NewTokenBucket(config BucketConfig) *TokenBucket {
	return &TokenBucket{config: config}
}

// Check attempts to consume n tokens from the bucket state at time now.
// It returns the updated state and the check result. Refill is continuous:
// tokens accumulate by elapsed time * refill rate, capped at capacity.
func (tb *TokenBucket) Check(state *BucketState, n float64, now time.Time) (*BucketState, CheckResult) {
	// Initialize new bucket if needed
	if state == nil {
		state = &BucketState{
			Tokens:       tb.config.Capacity,
			LastRefillAt: now,
		}
	}

	// Calculate tokens to add based on time elapsed
	elapsed := now.Sub(state.LastRefillAt).Seconds()
	tokensToAdd := elapsed * tb.config.RefillPerSec

	// Refill tokens (capped at capacity)
	newTokens := math.Min(state.Tokens+tokensToAdd, tb.config.Capacity)

	newState := &BucketState{
		Tokens:       newTokens,
		LastRefillAt: now,
	}

	if newState.Tokens >= n {
		newState.Tokens -= n
		return newState, CheckResult{
			Allowed:   true,
			Remaining: newState.Tokens,
			WaitMs:    0,
			Limit:     tb.config.Capacity,
		}
	}

	// Not enough tokens - calculate the wait until n tokens accumulate
	tokensNeeded := n - newState.Tokens
	waitSec := tokensNeeded / tb.config.RefillPerSec
	waitMs := int64(math.Ceil(waitSec * 1000))

	return newState, CheckResult{
		Allowed:   false,
		Remaining: newState.Tokens,
		WaitMs:    waitMs,
		Limit:     tb.config.Capacity,
	}
}
