package flowgate

import (
	fg "github.com/yourusername/flowgate/pkg/flowgate"
)

// Re-export main types for convenience
type (
	Limiter      = fg.Limiter
	Option       = fg.Option
	Config       = fg.Config
	PolicyConfig = fg.PolicyConfig
	Queue        = fg.Queue
	QueueState   = fg.QueueState
	Pending      = fg.Pending
	Operation    = fg.Operation
	RetryOptions = fg.RetryOptions
	Bucket       = fg.Bucket
)

// NewLimiter creates the process-wide limiter
var NewLimiter = fg.NewLimiter

// Limiter options
var (
	WithConfig       = fg.WithConfig
	WithConfigFile   = fg.WithConfigFile
	WithDefaults     = fg.WithDefaults
	WithRecorder     = fg.WithRecorder
	WithBucketPolicy = fg.WithBucketPolicy
)

// WithRetry runs a function with exponential backoff
var WithRetry = fg.WithRetry
