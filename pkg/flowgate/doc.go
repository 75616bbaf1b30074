// Package flowgate shapes a client process's outbound traffic to a shared
// backend: token-bucket rate limiting, a priority mutation queue, retry with
// exponential backoff, and hooks for an observing metrics collector.
//
// # Quick Start
//
// Construct one Limiter at startup and inject it through the dependency
// graph. Each logical feature area gets its own named bucket:
//
//	limiter, err := flowgate.NewLimiter(
//	    flowgate.WithDefaults(60, time.Minute),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer limiter.Close()
//
//	q, _ := limiter.Queue("crm")
//	contact, err := flowgate.Do(ctx, q, 0, func(ctx context.Context) (*Contact, error) {
//	    return client.CreateContact(ctx, input)
//	})
//
// Enqueue never blocks: a full queue rejects synchronously with ErrQueueFull
// so the caller can surface "please wait" instead of piling up work.
//
// # Retry
//
// WithRetry wraps an arbitrary operation with bounded attempts and jittered
// exponential backoff. Rate-limit errors short-circuit: they are returned to
// the caller on the first attempt, never hammered.
//
//	result, err := flowgate.Retry(ctx, fetchDeals, flowgate.DefaultRetryOptions())
//
// # Error taxonomy
//
// Backend failures are converted into typed errors (NetworkError,
// RateLimitError, TimeoutError, ValidationError, ServerError) at the
// boundary where they are first observed; everything downstream matches on
// the type via errors.As rather than inspecting messages.
//
// # Configuration
//
// Named bucket policies load from YAML:
//
//	defaults:
//	  max_requests: 60
//	  window: 1m
//	  max_queue_size: 50
//	  retry_delay: 1s
//
//	buckets:
//	  ai:
//	    max_requests: 10
//	    window: 1m
//	  crm:
//	    max_requests: 20
//	    window: 1m
//
// # Concurrency
//
// Each queue is drained by a single dedicated worker goroutine, so the
// "only one drain in flight" invariant holds structurally. All public
// methods are safe for concurrent use.
package flowgate
