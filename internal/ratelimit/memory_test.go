package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5) // 10 per second, burst 5
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("Allow returned error on attempt %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("attempt %d within burst was denied", i)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			t.Fatalf("attempt %d within burst was denied", i)
		}
	}

	ok, err := m.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("attempt past the burst was allowed")
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	// 1000 per second is one token per millisecond; with burst 2, draining
	// the bucket and waiting a few milliseconds refills at least one.
	m := NewMemoryLimiter(1000, 2)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, "203.0.113.7")
	}
	ok, _ := m.Allow(ctx, "203.0.113.7")
	if ok {
		t.Fatal("drained bucket allowed an immediate attempt")
	}

	time.Sleep(5 * time.Millisecond)

	ok, err := m.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !ok {
		t.Fatal("attempt after refill period was denied")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer closeLimiter(t, m)

	ctx := context.Background()
	ok, _ := m.Allow(ctx, "203.0.113.7")
	if !ok {
		t.Fatal("first attempt from the first address was denied")
	}
	ok, _ = m.Allow(ctx, "203.0.113.7")
	if ok {
		t.Fatal("second attempt from the first address was allowed")
	}

	// A different caller has its own bucket.
	ok, _ = m.Allow(ctx, "198.51.100.4")
	if !ok {
		t.Fatal("first attempt from the second address was denied")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(100, 50)
	defer closeLimiter(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	allowed := make([]int, 10)

	// Ten goroutines hammer the same address with ten attempts each.
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "203.0.113.7")
				if err != nil {
					t.Errorf("goroutine %d: Allow error: %v", idx, err)
					return
				}
				if ok {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	// All 100 attempts land inside one burst, so at most 50 pass.
	if total < 1 || total > 50 {
		t.Fatalf("allowed = %d, want between 1 and 50", total)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "203.0.113.7")

	m.mu.Lock()
	m.buckets["203.0.113.7"].lastAccess = time.Now().Add(-15 * time.Minute)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	_, exists := m.buckets["203.0.113.7"]
	m.mu.Unlock()

	if exists {
		t.Fatal("idle bucket survived eviction")
	}
}

func TestMemoryLimiterEvictKeepsRecent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "203.0.113.7")

	m.evictStale()

	m.mu.Lock()
	_, exists := m.buckets["203.0.113.7"]
	m.mu.Unlock()

	if !exists {
		t.Fatal("active bucket was evicted")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(ctx, "anything")
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !ok {
			t.Fatal("NoopLimiter denied an event")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m := NewMemoryLimiter(1000, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _ = m.Allow(ctx, "203.0.113.7")

	// Backdate the bucket so the refill computation spans an hour; tokens
	// must still cap at the burst of 3.
	m.mu.Lock()
	m.buckets["203.0.113.7"].lastAccess = time.Now().Add(-1 * time.Hour)
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		ok, _ := m.Allow(ctx, "203.0.113.7")
		if !ok {
			t.Fatalf("attempt %d after long idle was denied", i)
		}
	}
	ok, _ := m.Allow(ctx, "203.0.113.7")
	if ok {
		t.Fatal("attempt past the burst was allowed after long idle")
	}
}
