// Package metrics collects operation statistics for flowgate queues: counts,
// latency, payload volume, and a rolling rate-limit window that drives the
// global backoff signal.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/flowgate/pkg/flowgate"
)

const (
	// rateLimitWindow is how far back rate-limit responses count toward the
	// global backoff trigger.
	rateLimitWindow = 30 * time.Second

	// rateLimitTrigger is how many rate-limit responses inside the window
	// flip the collector into global backoff.
	rateLimitTrigger = 3
)

// Collector tracks operation statistics across queues. It implements
// flowgate.Recorder so a Limiter can feed it directly.
type Collector struct {
	totalOperations  atomic.Int64
	failedOperations atomic.Int64
	rateLimitHits    atomic.Int64
	retriedAfterFail atomic.Int64
	payloadBytes     atomic.Int64

	// Per-queue stats
	mu         sync.RWMutex
	queueStats map[string]*QueueStats
	rateLimits []time.Time
	startTime  time.Time

	globalBackoffDelay time.Duration

	now func() time.Time
}

// QueueStats tracks statistics for a single named queue.
type QueueStats struct {
	Queue            string        `json:"queue"`
	TotalOperations  int64         `json:"total_operations"`
	FailedOperations int64         `json:"failed_operations"`
	RateLimitHits    int64         `json:"rate_limit_hits"`
	TotalDuration    time.Duration `json:"-"`
	AvgDurationMs    int64         `json:"avg_duration_ms"`
	MaxDurationMs    int64         `json:"max_duration_ms"`
	LastOperationAt  time.Time     `json:"last_operation_at"`
}

// NewCollector creates a metrics collector with the default 1s global
// backoff delay.
func NewCollector() *Collector {
	return &Collector{
		queueStats:         make(map[string]*QueueStats),
		startTime:          time.Now(),
		globalBackoffDelay: time.Second,
		now:                time.Now,
	}
}

var _ flowgate.Recorder = (*Collector)(nil)

// RecordOperation records one executed operation's duration and outcome.
func (c *Collector) RecordOperation(queue string, duration time.Duration, err error) {
	c.totalOperations.Add(1)
	if err != nil {
		c.failedOperations.Add(1)
	}

	rateLimited := flowgate.IsRateLimit(err)
	if rateLimited {
		c.rateLimitHits.Add(1)
	} else if err != nil && flowgate.DefaultRetryable(err) {
		c.retriedAfterFail.Add(1)
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if rateLimited {
		c.rateLimits = append(c.pruneLocked(now), now)
	}

	stats, exists := c.queueStats[queue]
	if !exists {
		stats = &QueueStats{Queue: queue}
		c.queueStats[queue] = stats
	}

	stats.TotalOperations++
	if err != nil {
		stats.FailedOperations++
	}
	if rateLimited {
		stats.RateLimitHits++
	}
	stats.TotalDuration += duration
	stats.AvgDurationMs = int64(stats.TotalDuration/time.Millisecond) / stats.TotalOperations
	if ms := duration.Milliseconds(); ms > stats.MaxDurationMs {
		stats.MaxDurationMs = ms
	}
	stats.LastOperationAt = now
}

// RecordPayload adds to the running payload byte count. Negative sizes
// (unknown content length) are ignored.
func (c *Collector) RecordPayload(bytes int64) {
	if bytes > 0 {
		c.payloadBytes.Add(bytes)
	}
}

// GlobalBackoff reports whether enough rate-limit responses landed inside
// the rolling window to pause new operations, and for how long.
func (c *Collector) GlobalBackoff() (time.Duration, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimits = c.pruneLocked(now)
	if len(c.rateLimits) >= rateLimitTrigger {
		return c.globalBackoffDelay, true
	}
	return 0, false
}

// pruneLocked drops rate-limit timestamps that fell out of the window.
// Callers must hold c.mu.
func (c *Collector) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-rateLimitWindow)
	kept := c.rateLimits[:0]
	for _, t := range c.rateLimits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// GetSnapshot returns a point-in-time view of all collected metrics.
func (c *Collector) GetSnapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	queues := make([]*QueueStats, 0, len(c.queueStats))
	for _, stats := range c.queueStats {
		copied := *stats
		queues = append(queues, &copied)
	}
	sortByTotalOperations(queues)

	_, backoff := c.globalBackoffLocked()

	return &Snapshot{
		TotalOperations:   c.totalOperations.Load(),
		FailedOperations:  c.failedOperations.Load(),
		RateLimitHits:     c.rateLimitHits.Load(),
		RetryableFailures: c.retriedAfterFail.Load(),
		PayloadBytes:      c.payloadBytes.Load(),
		Queues:            queues,
		GlobalBackoff:     backoff,
		UptimeSeconds:     int64(time.Since(c.startTime).Seconds()),
		StartTime:         c.startTime,
	}
}

// globalBackoffLocked mirrors GlobalBackoff without re-pruning. Callers must
// hold c.mu (read lock is enough).
func (c *Collector) globalBackoffLocked() (time.Duration, bool) {
	cutoff := c.now().Add(-rateLimitWindow)
	recent := 0
	for _, t := range c.rateLimits {
		if t.After(cutoff) {
			recent++
		}
	}
	if recent >= rateLimitTrigger {
		return c.globalBackoffDelay, true
	}
	return 0, false
}

// Snapshot represents a point-in-time view of collected metrics.
type Snapshot struct {
	TotalOperations   int64         `json:"total_operations"`
	FailedOperations  int64         `json:"failed_operations"`
	RateLimitHits     int64         `json:"rate_limit_hits"`
	RetryableFailures int64         `json:"retryable_failures"`
	PayloadBytes      int64         `json:"payload_bytes"`
	Queues            []*QueueStats `json:"queues"`
	GlobalBackoff     bool          `json:"global_backoff"`
	UptimeSeconds     int64         `json:"uptime_seconds"`
	StartTime         time.Time     `json:"start_time"`
}

// Helper to sort queues by operation count
func sortByTotalOperations(queues []*QueueStats) {
	for i := 0; i < len(queues)-1; i++ {
		for j := i + 1; j < len(queues); j++ {
			if queues[j].TotalOperations > queues[i].TotalOperations {
				queues[i], queues[j] = queues[j], queues[i]
			}
		}
	}
}
