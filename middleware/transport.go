// Package middleware adapts flowgate to net/http. Transport is an
// http.RoundTripper that sends outbound requests through a named queue with
// retry, so every HTTP client in the process shares the same budgets.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/yourusername/flowgate/pkg/flowgate"
)

// QueueFunc picks the queue name and priority for an outbound request.
type QueueFunc func(*http.Request) (queue string, priority int)

// PayloadRecorder receives request body sizes (e.g. metrics.Collector).
type PayloadRecorder interface {
	RecordPayload(bytes int64)
}

// Transport routes outbound HTTP requests through flowgate queues.
type Transport struct {
	base      http.RoundTripper
	limiter   *flowgate.Limiter
	queueFunc QueueFunc
	retry     flowgate.RetryOptions
	recorder  PayloadRecorder
}

// Config for creating a transport
type Config struct {
	Limiter   *flowgate.Limiter      // Required
	Base      http.RoundTripper      // Optional: defaults to http.DefaultTransport
	QueueFunc QueueFunc              // Optional: defaults to the request host
	Retry     *flowgate.RetryOptions // Optional: defaults to flowgate.DefaultRetryOptions
	Recorder  PayloadRecorder        // Optional: payload byte accounting
}

// NewTransport creates a queue-routing RoundTripper.
func NewTransport(config Config) (*Transport, error) {
	if config.Limiter == nil {
		return nil, fmt.Errorf("%w: limiter is required", flowgate.ErrInvalidConfig)
	}
	if config.Base == nil {
		config.Base = http.DefaultTransport
	}
	if config.QueueFunc == nil {
		config.QueueFunc = defaultQueueFunc
	}
	retry := flowgate.DefaultRetryOptions()
	if config.Retry != nil {
		retry = *config.Retry
	}

	return &Transport{
		base:      config.Base,
		limiter:   config.Limiter,
		queueFunc: config.QueueFunc,
		retry:     retry,
		recorder:  config.Recorder,
	}, nil
}

// defaultQueueFunc buckets requests by destination host
func defaultQueueFunc(r *http.Request) (string, int) {
	return r.URL.Host, 0
}

// RoundTrip enqueues the request on its queue, retries transient failures,
// and converts error statuses into flowgate's typed errors. The response is
// returned as-is for 2xx/3xx; for error statuses the body is closed and a
// typed error comes back instead.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	queueName, priority := t.queueFunc(req)
	queue, err := t.limiter.Queue(queueName)
	if err != nil {
		return nil, err
	}

	if t.recorder != nil {
		t.recorder.RecordPayload(req.ContentLength)
	}

	retry := t.retry
	if req.Body != nil && req.GetBody == nil {
		// The body cannot be rewound, so a second attempt would send an
		// empty request. Run once.
		retry.MaxAttempts = 1
	}

	return flowgate.Do(req.Context(), queue, priority, func(ctx context.Context) (*http.Response, error) {
		resp, err := flowgate.Retry(ctx, func(ctx context.Context) (*http.Response, error) {
			return t.attempt(ctx, req)
		}, retry)
		if err != nil {
			// Retries are exhausted here; the queue must not retry again.
			return nil, flowgate.Permanent(err)
		}
		return resp, nil
	})
}

// attempt performs one HTTP exchange, rewinding the body on retries.
func (t *Transport) attempt(ctx context.Context, req *http.Request) (*http.Response, error) {
	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		attempt.Body = body
	}

	resp, err := t.base.RoundTrip(attempt)
	if err != nil {
		// Transport-level failures (DNS, connection reset, TLS) are network
		// errors; context expiry surfaces unchanged.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &flowgate.NetworkError{Err: err}
	}

	if typed := classify(resp); typed != nil {
		resp.Body.Close()
		return nil, typed
	}
	return resp, nil
}

// classify maps error statuses to typed errors, honoring Retry-After on 429.
func classify(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &flowgate.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	return flowgate.FromStatus(resp.StatusCode, resp.Status)
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
