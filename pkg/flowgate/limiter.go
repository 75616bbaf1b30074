package flowgate

import (
	"fmt"
	"sync"
	"time"
)

// Limiter is the process-wide entry point: an explicit dependency container
// holding the named bucket and queue registry. Construct one at startup and
// inject it wherever queueing is needed; tests construct a fresh Limiter
// per test, so nothing leaks across them.
type Limiter struct {
	config   *Config
	recorder Recorder

	mu     sync.RWMutex
	queues map[string]*Queue

	debounceMu sync.Mutex
	lastCall   map[string]time.Time

	now func() time.Time
}

// NewLimiter creates a Limiter with the given options.
//
// Example:
//
//	limiter, err := NewLimiter(
//	    WithConfigFile("flowgate.yaml"),
//	    WithRecorder(collector),
//	)
func NewLimiter(opts ...Option) (*Limiter, error) {
	l := &Limiter{
		config:   NewConfig(),
		queues:   make(map[string]*Queue),
		lastCall: make(map[string]time.Time),
		now:      time.Now,
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return l, nil
}

// Queue returns the queue for a named bucket, creating it lazily from the
// configured policy (falling back to the default policy for unknown names).
// Buckets live for the limiter's lifetime; the set of names is small and
// fixed per feature area.
func (l *Limiter) Queue(name string) (*Queue, error) {
	// Fast path
	l.mu.RLock()
	q, exists := l.queues[name]
	l.mu.RUnlock()
	if exists {
		return q, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check: another goroutine might have created it
	if q, exists = l.queues[name]; exists {
		return q, nil
	}

	policy := l.config.GetPolicy(name)
	bucket, err := NewBucketFromPolicy(policy)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %q: %w", name, err)
	}
	retryDelay, err := policy.RetryDelayDuration()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	opTimeout, err := policy.OpTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	q = NewQueue(name, QueueConfig{
		MaxQueueSize: policy.MaxQueueSize,
		RetryDelay:   retryDelay,
		OpTimeout:    opTimeout,
	}, bucket, l.recorder)
	l.queues[name] = q
	return q, nil
}

// HasBucket reports whether name is an explicitly configured bucket or
// already has a live queue. External surfaces check this before Queue so
// untrusted input cannot grow the registry with default-policy queues.
func (l *Limiter) HasBucket(name string) bool {
	l.mu.RLock()
	_, live := l.queues[name]
	l.mu.RUnlock()
	if live {
		return true
	}
	return l.config.HasBucket(name)
}

// States returns a snapshot of every live queue, keyed by bucket name.
func (l *Limiter) States() map[string]QueueState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	states := make(map[string]QueueState, len(l.queues))
	for name, q := range l.queues {
		states[name] = q.State()
	}
	return states
}

// Debounce enforces a minimum interval between invocations sharing a key.
// The first call for a key passes; calls within minInterval of the last
// passing call fail with ErrDebounced. The check-and-set is atomic, so two
// concurrent callers with the same key cannot both pass.
func (l *Limiter) Debounce(key string, minInterval time.Duration) error {
	l.debounceMu.Lock()
	defer l.debounceMu.Unlock()

	now := l.now()
	if last, ok := l.lastCall[key]; ok && now.Sub(last) < minInterval {
		return fmt.Errorf("%w: key %q", ErrDebounced, key)
	}
	l.lastCall[key] = now
	return nil
}

// Close shuts down every queue, rejecting their pending operations.
func (l *Limiter) Close() {
	l.mu.Lock()
	queues := make([]*Queue, 0, len(l.queues))
	for _, q := range l.queues {
		queues = append(queues, q)
	}
	l.queues = make(map[string]*Queue)
	l.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}
