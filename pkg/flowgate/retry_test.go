package flowgate

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testRetryOptions disables real sleeping and fixes the jitter midpoint.
func testRetryOptions() RetryOptions {
	opts := DefaultRetryOptions()
	opts.rnd = func() float64 { return 0.5 }
	opts.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return opts
}

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}, testRetryOptions())

	if err != nil {
		t.Fatalf("WithRetry() unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	var retryDelays []time.Duration
	opts := testRetryOptions()
	opts.OnRetry = func(attempt int, delay time.Duration, err error) {
		retryDelays = append(retryDelays, delay)
	}

	result, err := WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, &ServerError{Status: 503}
		}
		return 42, nil
	}, opts)

	if err != nil {
		t.Fatalf("WithRetry() unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %v, want 42", result)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
	// Midpoint jitter: delays are exactly 1s then 2s
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	for i, d := range retryDelays {
		if d != want[i] {
			t.Errorf("retry delay %d = %v, want %v", i+1, d, want[i])
		}
	}
}

func TestWithRetry_RateLimitShortCircuits(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, &RateLimitError{}
	}, testRetryOptions())

	if !IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want exactly 1 (429 must not be retried)", calls)
	}
}

func TestWithRetry_PermanentErrorNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation error", &ValidationError{Status: 400, Message: "bad input"}},
		{"not implemented", &ServerError{Status: 501}},
		{"http version not supported", &ServerError{Status: 505}},
		{"plain error", errors.New("business rule rejected")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := WithRetry(context.Background(), func(ctx context.Context) (any, error) {
				calls++
				return nil, tt.err
			}, testRetryOptions())

			if !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want %v propagated unchanged", err, tt.err)
			}
			if calls != 1 {
				t.Errorf("fn called %d times, want 1", calls)
			}
		})
	}
}

func TestWithRetry_ExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	opts := testRetryOptions()
	opts.MaxAttempts = 3

	_, err := WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, &NetworkError{Err: errors.New("connection reset")}
	}, opts)

	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected final NetworkError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3 (maxAttempts)", calls)
	}
}

func TestWithRetry_BackoffBounds(t *testing.T) {
	// For maxAttempts=4, initial=1s, max=10s, multiplier=2, the delay before
	// attempt k (k=2..4) is within [0.75, 1.25] * min(1000*2^(k-2)ms, 10s).
	for _, rnd := range []float64{0, 0.25, 0.5, 0.999} {
		opts := testRetryOptions()
		opts.rnd = func() float64 { return rnd }
		var delays []time.Duration
		opts.OnRetry = func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		}

		_, _ = WithRetry(context.Background(), func(ctx context.Context) (any, error) {
			return nil, &ServerError{Status: 500}
		}, opts)

		if len(delays) != 3 {
			t.Fatalf("got %d retry delays, want 3", len(delays))
		}
		bases := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
		for i, d := range delays {
			lower := time.Duration(float64(bases[i]) * 0.75)
			upper := time.Duration(float64(bases[i]) * 1.25)
			if d < lower || d > upper {
				t.Errorf("rnd=%v delay before attempt %d = %v, want within [%v, %v]", rnd, i+2, d, lower, upper)
			}
		}
	}
}

func TestWithRetry_ContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := testRetryOptions()
	opts.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := WithRetry(ctx, func(ctx context.Context) (any, error) {
		return nil, &ServerError{Status: 502}
	}, opts)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestWithRetry_AttemptTimeout(t *testing.T) {
	opts := testRetryOptions()
	opts.MaxAttempts = 2
	opts.AttemptTimeout = 20 * time.Millisecond

	calls := 0
	_, err := WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond) // keep running past the deadline
		return nil, ctx.Err()
	}, opts)

	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2 (timeouts are retryable)", calls)
	}
}

func TestRetry_TypedResult(t *testing.T) {
	got, err := Retry(context.Background(), func(ctx context.Context) (int, error) {
		return 7, nil
	}, testRetryOptions())
	if err != nil {
		t.Fatalf("Retry() unexpected error: %v", err)
	}
	if got != 7 {
		t.Errorf("result = %d, want 7", got)
	}
}
