package flowgate

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNegativeCapacity is returned when bucket capacity is not positive
	ErrNegativeCapacity = errors.New("bucket capacity must be positive")

	// ErrNegativeRefillRate is returned when refill rate is not positive
	ErrNegativeRefillRate = errors.New("refill rate must be positive")

	// ErrQueueFull is returned synchronously when a queue is at capacity.
	// It is a back-pressure signal and is never retried automatically.
	ErrQueueFull = errors.New("queue is at capacity")

	// ErrQueueClosed is returned when enqueueing on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrCanceled is the rejection given to pending operations when a queue
	// is cleared before they start executing
	ErrCanceled = errors.New("operation canceled")

	// ErrDebounced is returned when a keyed operation is invoked again before
	// its minimum interval has elapsed. Distinct from ErrQueueFull so callers
	// can tell "too fast" apart from "too busy".
	ErrDebounced = errors.New("operation invoked too soon")
)

// The typed error taxonomy below is constructed at the boundary where a raw
// backend failure is first observed. Internal retry and queueing logic
// matches on these types rather than sniffing messages or status strings.

// NetworkError indicates a connectivity-level failure (dial, reset, DNS).
// Always transient.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError indicates the backend rejected the call with a
// 429-equivalent response. It is never retried automatically; callers are
// expected to back off.
type RateLimitError struct {
	RetryAfter time.Duration // 0 when the backend gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// TimeoutError indicates an operation or attempt exceeded its allotted time.
// Terminal for the attempt; the retry executor decides whether to try again.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Elapsed)
}

// ValidationError indicates a permanent client-side failure (4xx other than
// 429, malformed input, business-rule rejection). Never retried.
type ValidationError struct {
	Status  int // 0 when not HTTP-derived
	Message string
}

func (e *ValidationError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("request rejected (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request rejected: %s", e.Message)
}

// ServerError indicates a 5xx-equivalent backend failure.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string { return fmt.Sprintf("server error (status %d)", e.Status) }

// permanentError suppresses further retries while keeping the wrapped error
// visible to errors.Is / errors.As.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Use it when a layer has already
// exhausted its own retries so an outer layer does not retry again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// DefaultRetryable is the default retryability predicate. Network failures,
// timeouts and 5xx server errors (excluding 501 and 505, which indicate
// permanent incompatibility) are retryable; rate limits, validation failures
// and everything else are not.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimit(err) {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}

	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	if IsTimeout(err) {
		return true
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Status >= 500 && se.Status != http.StatusNotImplemented && se.Status != http.StatusHTTPVersionNotSupported
	}

	return false
}

// FromStatus converts an HTTP-like status code into the typed taxonomy.
// Returns nil for codes below 400.
func FromStatus(status int, message string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{}
	case status >= 500:
		return &ServerError{Status: status}
	case status == http.StatusRequestTimeout:
		return &TimeoutError{Op: "request"}
	case status >= 400:
		return &ValidationError{Status: status, Message: message}
	default:
		return nil
	}
}
