package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yourusername/flowgate/pkg/flowgate"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCollector_RecordOperation(t *testing.T) {
	c := NewCollector()

	c.RecordOperation("messages", 100*time.Millisecond, nil)
	c.RecordOperation("messages", 300*time.Millisecond, nil)
	c.RecordOperation("messages", 50*time.Millisecond, errors.New("boom"))
	c.RecordOperation("ai", 20*time.Millisecond, nil)

	snap := c.GetSnapshot()
	if snap.TotalOperations != 4 {
		t.Errorf("TotalOperations = %d, want 4", snap.TotalOperations)
	}
	if snap.FailedOperations != 1 {
		t.Errorf("FailedOperations = %d, want 1", snap.FailedOperations)
	}
	if len(snap.Queues) != 2 {
		t.Fatalf("queue count = %d, want 2", len(snap.Queues))
	}

	// Sorted by operation count: messages first
	msgs := snap.Queues[0]
	if msgs.Queue != "messages" {
		t.Fatalf("top queue = %q, want messages", msgs.Queue)
	}
	if msgs.TotalOperations != 3 || msgs.FailedOperations != 1 {
		t.Errorf("messages stats = %d total / %d failed, want 3/1", msgs.TotalOperations, msgs.FailedOperations)
	}
	if msgs.AvgDurationMs != 150 {
		t.Errorf("AvgDurationMs = %d, want 150", msgs.AvgDurationMs)
	}
	if msgs.MaxDurationMs != 300 {
		t.Errorf("MaxDurationMs = %d, want 300", msgs.MaxDurationMs)
	}
}

func TestCollector_GlobalBackoffTrigger(t *testing.T) {
	clock := newFakeClock()
	c := NewCollector()
	c.now = clock.Now

	rateLimited := &flowgate.RateLimitError{}

	// Two hits inside the window: no backoff yet
	c.RecordOperation("messages", time.Millisecond, rateLimited)
	clock.Advance(5 * time.Second)
	c.RecordOperation("ai", time.Millisecond, rateLimited)
	if _, ok := c.GlobalBackoff(); ok {
		t.Fatal("backoff triggered after 2 rate-limit hits, want threshold of 3")
	}

	// Third hit inside the window trips it, regardless of queue
	clock.Advance(5 * time.Second)
	c.RecordOperation("crm", time.Millisecond, rateLimited)
	delay, ok := c.GlobalBackoff()
	if !ok {
		t.Fatal("backoff not triggered after 3 rate-limit hits in the window")
	}
	if delay != time.Second {
		t.Errorf("backoff delay = %v, want 1s", delay)
	}

	// Once the hits age out of the 30s window the backoff lifts
	clock.Advance(31 * time.Second)
	if _, ok := c.GlobalBackoff(); ok {
		t.Error("backoff still active after the window expired")
	}
}

func TestCollector_RateLimitHitsDoNotCountPlainFailures(t *testing.T) {
	clock := newFakeClock()
	c := NewCollector()
	c.now = clock.Now

	for i := 0; i < 5; i++ {
		c.RecordOperation("messages", time.Millisecond, errors.New("boom"))
	}
	if _, ok := c.GlobalBackoff(); ok {
		t.Error("plain failures should not trigger the rate-limit backoff")
	}

	snap := c.GetSnapshot()
	if snap.RateLimitHits != 0 {
		t.Errorf("RateLimitHits = %d, want 0", snap.RateLimitHits)
	}
	if snap.FailedOperations != 5 {
		t.Errorf("FailedOperations = %d, want 5", snap.FailedOperations)
	}
}

func TestCollector_RecordPayload(t *testing.T) {
	c := NewCollector()
	c.RecordPayload(1024)
	c.RecordPayload(512)
	c.RecordPayload(-1) // unknown content length

	if got := c.GetSnapshot().PayloadBytes; got != 1536 {
		t.Errorf("PayloadBytes = %d, want 1536", got)
	}
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordOperation("messages", time.Millisecond, nil)
			}
		}()
	}
	wg.Wait()

	if got := c.GetSnapshot().TotalOperations; got != 800 {
		t.Errorf("TotalOperations = %d, want 800", got)
	}
}

func TestPromCollector_MirrorsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPromCollector(reg)
	if err != nil {
		t.Fatalf("NewPromCollector() failed: %v", err)
	}

	p.RecordOperation("messages", 50*time.Millisecond, nil)
	p.RecordOperation("messages", 50*time.Millisecond, &flowgate.RateLimitError{})
	p.RecordPayload(2048)

	if got := testutil.ToFloat64(p.operations.WithLabelValues("messages", "ok")); got != 1 {
		t.Errorf("ok operations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.operations.WithLabelValues("messages", "rate_limited")); got != 1 {
		t.Errorf("rate_limited operations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.payload); got != 2048 {
		t.Errorf("payload bytes = %v, want 2048", got)
	}

	// The wrapped collector sees the same traffic
	if got := p.GetSnapshot().TotalOperations; got != 2 {
		t.Errorf("wrapped collector TotalOperations = %d, want 2", got)
	}
}

func TestPromCollector_CountsBackoffEpisodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPromCollector(reg)
	if err != nil {
		t.Fatalf("NewPromCollector() failed: %v", err)
	}
	clock := newFakeClock()
	p.Collector.now = clock.Now

	trip := func() {
		for i := 0; i < 3; i++ {
			p.RecordOperation("messages", 10*time.Millisecond, &flowgate.RateLimitError{})
		}
	}

	// One episode, many consults: the drain loop asks once per queued
	// operation, but only the transition into backoff is a new pause.
	trip()
	for i := 0; i < 5; i++ {
		if _, ok := p.GlobalBackoff(); !ok {
			t.Fatal("expected active global backoff")
		}
	}
	if got := testutil.ToFloat64(p.backoffs); got != 1 {
		t.Errorf("backoff episodes after repeated consults = %v, want 1", got)
	}

	// The window drains, the episode ends, and a fresh trip counts again
	clock.Advance(31 * time.Second)
	if _, ok := p.GlobalBackoff(); ok {
		t.Fatal("backoff should lift once the rate-limit window empties")
	}
	trip()
	if _, ok := p.GlobalBackoff(); !ok {
		t.Fatal("expected a second global backoff")
	}
	if got := testutil.ToFloat64(p.backoffs); got != 2 {
		t.Errorf("backoff episodes = %v, want 2", got)
	}
}

func TestPromCollector_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromCollector(reg); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewPromCollector(reg); err == nil {
		t.Error("second registration on the same registry should fail")
	}
}
