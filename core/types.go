package core

import "time"

// BucketConfig defines the refill policy for a token bucket
type BucketConfig struct {
	Capacity     float64 // Maximum tokens (burst size)
	RefillPerSec float64 // Tokens added per second
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Tokens       float64   // Current tokens available
	LastRefillAt time.Time // Last time tokens were refilled
}

// CheckResult contains the result of a token consumption attempt
type CheckResult struct {
	Allowed   bool    // Whether the requested tokens were granted
	Remaining float64 // Tokens remaining after this check
	WaitMs    int64   // Milliseconds until enough tokens accumulate (if blocked)
	Limit     float64 // Total capacity
}

// BackoffConfig defines the retry delay policy
type BackoffConfig struct {
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound on any single delay
	Multiplier   float64       // Growth factor applied per attempt
}
