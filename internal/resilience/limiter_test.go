package resilience

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBucket_BurstThenRefill(t *testing.T) {
	// burst 2, 20 tokens/s: the 3rd and 4th acquisitions wait ~50ms each.
	b := NewBucket(20, 2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := b.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 90*time.Millisecond {
		t.Errorf("burst+2 acquisitions took %v, want >= ~100ms", elapsed)
	}
}

func TestBucket_BurstIsImmediate(t *testing.T) {
	b := NewBucket(1, 5)
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := b.Acquire(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("acquisitions within burst should not block")
	}
}

func TestBucket_CostAboveCapacity(t *testing.T) {
	b := NewBucket(5, 2)
	if err := b.Acquire(context.Background(), 3); err == nil {
		t.Error("expected error for cost above capacity")
	}
}

func TestBucket_ContextCancelled(t *testing.T) {
	b := NewBucket(0.1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx, 1); err == nil {
		t.Error("expected error when the wait exceeds the context deadline")
	}
}

func TestBucket_ConcurrentAcquire(t *testing.T) {
	b := NewBucket(1000, 10)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(context.Background(), 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestBucket_NilAndUnlimited(t *testing.T) {
	var nilBucket *Bucket
	if err := nilBucket.Acquire(context.Background(), 1); err != nil {
		t.Errorf("nil bucket should not fail: %v", err)
	}
	unlimited := NewBucket(0, 0)
	if unlimited.Capacity() != 1 {
		t.Errorf("expected capacity 1, got %d", unlimited.Capacity())
	}
	for i := 0; i < 100; i++ {
		if err := unlimited.Acquire(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
}
