package flowgate

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/yourusername/flowgate/core"
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 4
	MaxAttempts int

	// InitialDelay before the first retry. Default: 1s
	InitialDelay time.Duration

	// MaxDelay caps any single backoff delay. Default: 10s
	MaxDelay time.Duration

	// Multiplier is the geometric growth factor. Default: 2
	Multiplier float64

	// IsRetryable classifies errors. Default: DefaultRetryable.
	// Rate-limit errors short-circuit regardless of this predicate.
	IsRetryable func(error) bool

	// OnRetry is invoked before each sleep with the attempt that failed,
	// the computed delay, and the error that triggered the retry.
	OnRetry func(attempt int, delay time.Duration, err error)

	// AttemptTimeout bounds each individual attempt. Zero disables it.
	AttemptTimeout time.Duration

	// rnd and sleep are test hooks
	rnd   func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryOptions returns the standard retry policy.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  4,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		IsRetryable:  DefaultRetryable,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	def := DefaultRetryOptions()
	if o.MaxAttempts == 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.InitialDelay == 0 {
		o.InitialDelay = def.InitialDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.Multiplier == 0 {
		o.Multiplier = def.Multiplier
	}
	if o.IsRetryable == nil {
		o.IsRetryable = DefaultRetryable
	}
	if o.rnd == nil {
		o.rnd = rand.Float64
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	return o
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithRetry runs fn, retrying classified-transient failures with
// exponential backoff and jitter. On success the result is returned
// immediately. A rate-limit error fails immediately without retrying:
// limits are handled by the caller backing off, not by hammering harder.
// When attempts are exhausted or the error is not retryable, the last
// error is returned unchanged.
func WithRetry(ctx context.Context, fn func(context.Context) (any, error), opts RetryOptions) (any, error) {
	opts = opts.withDefaults()
	backoff := core.BackoffConfig{
		InitialDelay: opts.InitialDelay,
		MaxDelay:     opts.MaxDelay,
		Multiplier:   opts.Multiplier,
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := runAttempt(ctx, fn, opts.AttemptTimeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsRateLimit(err) {
			return nil, err
		}
		if !opts.IsRetryable(err) || attempt == opts.MaxAttempts {
			return nil, err
		}

		delay := core.Delay(attempt, backoff, opts.rnd)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		if err := opts.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Retry is the typed convenience wrapper around WithRetry.
func Retry[T any](ctx context.Context, fn func(context.Context) (T, error), opts RetryOptions) (T, error) {
	result, err := WithRetry(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	value, _ := result.(T)
	return value, nil
}

// runAttempt executes one attempt, racing it against the attempt timeout.
// A timed-out attempt is abandoned, not interrupted; fn should honor ctx
// and tolerate its result being discarded.
func runAttempt(ctx context.Context, fn func(context.Context) (any, error), timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(attemptCtx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		// An attempt that observed its own deadline reports it the same way
		// as one we abandoned mid-flight.
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Op: "attempt", Elapsed: timeout}
		}
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Op: "attempt", Elapsed: timeout}
	}
}
