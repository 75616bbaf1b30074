package flowgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Operation is one unit of asynchronous work executed by a Queue.
// The context carries the per-operation timeout; operations should honor it
// and be safely abandonable (a result arriving after timeout is discarded).
type Operation func(ctx context.Context) (any, error)

// QueueConfig bounds a queue's behavior.
type QueueConfig struct {
	// MaxQueueSize is the pending-operation capacity. Enqueue beyond it
	// rejects synchronously with ErrQueueFull.
	MaxQueueSize int

	// RetryDelay is the base delay before a failed operation re-enters the
	// queue; the actual delay is RetryDelay * attempt number.
	RetryDelay time.Duration

	// MaxRetries caps per-operation transient retries. Default: 3
	MaxRetries int

	// OpTimeout bounds a single execution. Zero disables it.
	OpTimeout time.Duration
}

// QueueState is a snapshot of queue throttling state, emitted on the
// updates channel after every enqueue, dequeue and drain step so a
// dashboard can reflect live back-pressure.
type QueueState struct {
	Name       string  `json:"name"`
	Tokens     float64 `json:"tokens"`
	QueueSize  int     `json:"queue_size"`
	Processing bool    `json:"processing"`
}

// Recorder observes operation outcomes. Implemented by metrics.Collector;
// a nil Recorder is valid and disables observation.
type Recorder interface {
	// RecordOperation records one executed operation's duration and outcome.
	RecordOperation(queue string, duration time.Duration, err error)

	// GlobalBackoff reports whether new operations should pause before
	// starting, and for how long, based on recent rate-limit pressure.
	GlobalBackoff() (time.Duration, bool)
}

// Pending is the caller's handle to an enqueued operation.
type Pending struct {
	id   string
	done chan struct{}

	result any
	err    error
}

// ID returns the operation's unique identifier within its queue.
func (p *Pending) ID() string { return p.id }

// Done returns a channel closed when the operation completes or is rejected.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. Valid only after Done is closed.
func (p *Pending) Result() (any, error) { return p.result, p.err }

// Wait blocks until the operation completes, is rejected, or ctx is done.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve completes the pending handle exactly once.
func (p *Pending) resolve(result any, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

// queued is an operation while it is owned by the queue. It is removed the
// instant it starts executing; there is no "in-flight but still queued"
// state.
type queued struct {
	id        string
	op        Operation
	priority  int
	createdAt time.Time
	retries   int
	pending   *Pending
}

// Queue serializes asynchronous operations against a shared token bucket
// with priority ordering and bounded capacity. A single dedicated worker
// goroutine owns the drain loop, so "only one drain in flight" holds
// structurally rather than via a flag.
type Queue struct {
	name     string
	config   QueueConfig
	bucket   *Bucket
	recorder Recorder

	mu     sync.Mutex
	items  []*queued
	closed bool

	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}
	updates    chan QueueState
	processing atomic.Bool

	now func() time.Time
}

// NewQueue creates a queue draining into bucket and starts its worker.
// recorder may be nil.
func NewQueue(name string, config QueueConfig, bucket *Bucket, recorder Recorder) *Queue {
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.MaxQueueSize == 0 {
		config.MaxQueueSize = 50
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}

	q := &Queue{
		name:     name,
		config:   config,
		bucket:   bucket,
		recorder: recorder,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		updates:  make(chan QueueState, 16),
		now:      time.Now,
	}
	go q.run()
	return q
}

// Name returns the queue's bucket name.
func (q *Queue) Name() string { return q.name }

// Bucket returns the token bucket gating this queue.
func (q *Queue) Bucket() *Bucket { return q.bucket }

// Enqueue inserts op in priority order (higher first, FIFO among equals)
// and returns a handle to its eventual outcome. Rejects synchronously with
// ErrQueueFull when the queue already holds MaxQueueSize pending operations.
func (q *Queue) Enqueue(op Operation, priority int) (*Pending, error) {
	item := &queued{
		id:        uuid.NewString(),
		op:        op,
		priority:  priority,
		createdAt: q.now(),
		pending:   &Pending{done: make(chan struct{})},
	}
	item.pending.id = item.id

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrQueueClosed, q.name)
	}
	if len(q.items) >= q.config.MaxQueueSize {
		size := len(q.items)
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %q holds %d pending operations", ErrQueueFull, q.name, size)
	}

	// Stable insertion point: first item with strictly lower priority.
	// Linear scan is fine at the tens-of-items scale this queue sees.
	idx := len(q.items)
	for i, cur := range q.items {
		if cur.priority < priority {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
	q.mu.Unlock()

	q.notify()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item.pending, nil
}

// Do enqueues fn with the given priority and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, priority int, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	pending, err := q.Enqueue(func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, priority)
	if err != nil {
		return zero, err
	}
	result, err := pending.Wait(ctx)
	if err != nil {
		return zero, err
	}
	value, _ := result.(T)
	return value, nil
}

// Len returns the number of pending (not executing) operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// State returns a point-in-time snapshot of the queue.
func (q *Queue) State() QueueState {
	return QueueState{
		Name:       q.name,
		Tokens:     q.bucket.Remaining(),
		QueueSize:  q.Len(),
		Processing: q.processing.Load(),
	}
}

// Updates returns the state-change channel. Snapshots are dropped rather
// than blocking the worker when the reader falls behind.
func (q *Queue) Updates() <-chan QueueState { return q.updates }

// Clear rejects every pending operation with ErrCanceled. An operation
// already executing is unaffected.
func (q *Queue) Clear() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range items {
		item.pending.resolve(nil, fmt.Errorf("%w: queue %q cleared", ErrCanceled, q.name))
	}
	q.notify()
}

// Close clears the queue and stops the worker. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
	close(q.stop)
	<-q.done
}

// run is the worker loop. It is the only goroutine that pops items.
func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
		if !q.drain() {
			return
		}
	}
}

// drain executes queued operations until the queue is empty or the worker
// is stopped. Returns false when stopped.
func (q *Queue) drain() bool {
	q.processing.Store(true)
	defer func() {
		q.processing.Store(false)
		q.notify()
	}()

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return true
		}
		q.mu.Unlock()

		// Circuit-breaker-lite: recent rate-limit pressure forces a short
		// pause before starting new work even when this bucket has tokens.
		if q.recorder != nil {
			if delay, ok := q.recorder.GlobalBackoff(); ok {
				if !q.sleep(delay) {
					return false
				}
			}
		}

		// Gate on the bucket without popping: the head keeps its place in
		// priority order while we wait for tokens.
		if !q.bucket.TryConsume() {
			if !q.sleep(q.bucket.WaitTime()) {
				return false
			}
			continue
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			// Cleared while we were acquiring the token
			q.mu.Unlock()
			return true
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		q.notify()

		if !q.execute(item) {
			return false
		}
	}
}

// execute runs one operation, handling retry re-insertion. Returns false
// when the worker was stopped mid-retry-delay.
func (q *Queue) execute(item *queued) bool {
	start := q.now()
	result, err := q.runWithTimeout(item)
	if q.recorder != nil {
		q.recorder.RecordOperation(q.name, q.now().Sub(start), err)
	}

	if err != nil && DefaultRetryable(err) && item.retries < q.config.MaxRetries {
		item.retries++
		// Linear retry delay, then re-insert at the FRONT: a retry must not
		// be starved by newly arriving high-priority work.
		if !q.sleep(q.config.RetryDelay * time.Duration(item.retries)) {
			item.pending.resolve(nil, fmt.Errorf("%w: queue %q closed during retry", ErrCanceled, q.name))
			return false
		}
		q.mu.Lock()
		q.items = append([]*queued{item}, q.items...)
		q.mu.Unlock()
		q.notify()
		return true
	}

	item.pending.resolve(result, err)
	q.notify()
	return true
}

// runWithTimeout races the operation against the configured timeout.
// On timeout the operation is abandoned, not interrupted.
func (q *Queue) runWithTimeout(item *queued) (any, error) {
	ctx := context.Background()
	if q.config.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.OpTimeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := item.op(ctx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			// The operation observed the deadline itself
			return nil, &TimeoutError{Op: "operation " + item.id, Elapsed: q.config.OpTimeout}
		}
		return out.result, out.err
	case <-ctx.Done():
		return nil, &TimeoutError{Op: "operation " + item.id, Elapsed: q.config.OpTimeout}
	}
}

// sleep waits for d or until the worker is stopped. Returns false on stop.
func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.stop:
		return false
	}
}

// notify publishes a state snapshot, dropping it if the reader is behind.
func (q *Queue) notify() {
	select {
	case q.updates <- q.State():
	default:
	}
}
