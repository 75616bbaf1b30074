package flowgate

import (
	"fmt"
	"time"
)

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter) error

// WithConfig sets the configuration for the limiter.
func WithConfig(config *Config) Option {
	return func(l *Limiter) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		l.config = config
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(l *Limiter) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		l.config = config
		return nil
	}
}

// WithDefaults sets a simple default policy applied to every bucket that
// has no explicit entry. Convenience option for basic use cases.
func WithDefaults(maxRequests int64, window time.Duration) Option {
	return func(l *Limiter) error {
		if maxRequests <= 0 {
			return ErrNegativeCapacity
		}
		if window <= 0 {
			return ErrNegativeRefillRate
		}
		l.config.Defaults.MaxRequests = maxRequests
		l.config.Defaults.Window = window.String()
		return nil
	}
}

// WithRecorder attaches an outcome recorder (e.g. metrics.Collector) whose
// global backoff signal queues consult before starting new operations.
func WithRecorder(recorder Recorder) Option {
	return func(l *Limiter) error {
		if recorder == nil {
			return fmt.Errorf("%w: recorder cannot be nil", ErrInvalidConfig)
		}
		l.recorder = recorder
		return nil
	}
}

// WithBucketPolicy sets the policy for one named bucket.
func WithBucketPolicy(name string, policy PolicyConfig) Option {
	return func(l *Limiter) error {
		return l.config.SetPolicy(name, policy)
	}
}
