package flowgate

import (
	"sync"
	"testing"
	"time"
)

// fakeClock provides a manually advanced clock for deterministic refill tests.
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

func TestNewBucket(t *testing.T) {
	tests := []struct {
		name         string
		capacity     float64
		refillPerSec float64
		wantErr      error
	}{
		{name: "valid bucket", capacity: 100, refillPerSec: 10},
		{name: "zero capacity", capacity: 0, refillPerSec: 10, wantErr: ErrNegativeCapacity},
		{name: "negative capacity", capacity: -10, refillPerSec: 10, wantErr: ErrNegativeCapacity},
		{name: "zero refill rate", capacity: 100, refillPerSec: 0, wantErr: ErrNegativeRefillRate},
		{name: "negative refill rate", capacity: 100, refillPerSec: -5, wantErr: ErrNegativeRefillRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, err := NewBucket(tt.capacity, tt.refillPerSec)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Errorf("NewBucket() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBucket() unexpected error: %v", err)
			}
			if bucket.Remaining() != tt.capacity {
				t.Errorf("bucket.Remaining() = %v, want %v (full)", bucket.Remaining(), tt.capacity)
			}
		})
	}
}

func TestBucket_TryConsumeConservation(t *testing.T) {
	clock := newFakeClock()
	bucket, err := NewBucket(3, 100)
	if err != nil {
		t.Fatalf("NewBucket() failed: %v", err)
	}
	bucket.now = clock.Now

	// With a frozen clock, exactly capacity tokens can be consumed
	consumed := 0
	for i := 0; i < 30; i++ {
		if bucket.TryConsume() {
			consumed++
		}
	}
	if consumed != 3 {
		t.Errorf("consumed %d tokens with frozen clock, want 3", consumed)
	}
}

func TestBucket_WaitTime(t *testing.T) {
	clock := newFakeClock()
	bucket, err := NewBucket(2, 2) // 2 tokens, 2/sec
	if err != nil {
		t.Fatalf("NewBucket() failed: %v", err)
	}
	bucket.now = clock.Now

	if got := bucket.WaitTime(); got != 0 {
		t.Errorf("WaitTime() on full bucket = %v, want 0", got)
	}

	bucket.TryConsume()
	bucket.TryConsume()

	// Empty bucket refilling at 2/sec: one token in 500ms
	if got := bucket.WaitTime(); got != 500*time.Millisecond {
		t.Errorf("WaitTime() on empty bucket = %v, want 500ms", got)
	}

	// Two tokens at 2/sec from empty takes a full second
	if got := bucket.WaitTimeN(2); got != 1*time.Second {
		t.Errorf("WaitTimeN(2) = %v, want 1s", got)
	}
}

func TestBucket_RefillWithMockClock(t *testing.T) {
	clock := newFakeClock()
	bucket, err := NewBucket(10, 5)
	if err != nil {
		t.Fatalf("NewBucket() failed: %v", err)
	}
	bucket.now = clock.Now

	for i := 0; i < 10; i++ {
		if !bucket.TryConsume() {
			t.Fatalf("burst consume %d failed", i+1)
		}
	}
	if bucket.TryConsume() {
		t.Fatal("consume on empty bucket should fail")
	}

	// Advancing 1s at 5 tokens/sec yields exactly 5 tokens
	clock.Advance(1 * time.Second)
	if got := bucket.Remaining(); got != 5 {
		t.Errorf("Remaining() after 1s = %v, want 5", got)
	}

	// Reading twice without advancing time yields the same value
	if got := bucket.Remaining(); got != 5 {
		t.Errorf("second Remaining() read = %v, want 5 (idempotent)", got)
	}

	// Long idle caps at capacity
	clock.Advance(time.Hour)
	if got := bucket.Remaining(); got != 10 {
		t.Errorf("Remaining() after long idle = %v, want 10 (capped)", got)
	}
}

func TestBucket_ConcurrentConsume(t *testing.T) {
	bucket, err := NewBucket(100, 0.001) // effectively no refill during the test
	if err != nil {
		t.Fatalf("NewBucket() failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if bucket.TryConsume() {
					mu.Lock()
					consumed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if consumed != 100 {
		t.Errorf("consumed %d tokens concurrently, want exactly 100", consumed)
	}
}
