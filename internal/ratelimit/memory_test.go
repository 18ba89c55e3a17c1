package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lexia/inference-gateway/internal/domain"
)

// fixedClock returns a now func pinned to t, mutable through the pointer.
func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestMemoryLimiter_Admit_ExactLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	l := NewMemoryLimiter(0)
	l.now = fixedClock(&now)

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		res, err := l.Admit(ctx, "key-1", 60)
		if err != nil {
			t.Fatalf("request %d: unexpected denial: %v", i+1, err)
		}
		if res.Remaining != 60-(i+1) {
			t.Errorf("request %d: remaining = %d, want %d", i+1, res.Remaining, 60-(i+1))
		}
	}

	res, err := l.Admit(ctx, "key-1", 60)
	if err == nil {
		t.Fatal("61st request admitted, want throttle")
	}
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != domain.ErrorKindThrottled {
		t.Fatalf("denial error = %v, want throttled APIError", err)
	}
	if apiErr.RetryAfter < 1 || apiErr.RetryAfter > 60 {
		t.Errorf("retry-after = %d, want within (0, 60]", apiErr.RetryAfter)
	}
	if res.Remaining != 0 {
		t.Errorf("denied remaining = %d, want 0", res.Remaining)
	}
}

func TestMemoryLimiter_Admit_WindowRollover(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 59, 0, time.UTC)
	l := NewMemoryLimiter(0)
	l.now = fixedClock(&now)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Admit(ctx, "key-1", 5); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	if _, err := l.Admit(ctx, "key-1", 5); err == nil {
		t.Fatal("expected denial at limit")
	}

	// Crossing the minute boundary opens a fresh window.
	now = now.Add(2 * time.Second)
	res, err := l.Admit(ctx, "key-1", 5)
	if err != nil {
		t.Fatalf("post-rollover admit: %v", err)
	}
	if res.Remaining != 4 {
		t.Errorf("post-rollover remaining = %d, want 4", res.Remaining)
	}
	if got := windowStart(now); !res.Reset.Equal(got.Add(time.Minute)) {
		t.Errorf("reset = %v, want %v", res.Reset, got.Add(time.Minute))
	}
}

func TestMemoryLimiter_Admit_KeysIndependent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	l := NewMemoryLimiter(0)
	l.now = fixedClock(&now)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Admit(ctx, "key-a", 3); err != nil {
			t.Fatalf("fill key-a: %v", err)
		}
	}
	if _, err := l.Admit(ctx, "key-a", 3); err == nil {
		t.Fatal("key-a should be throttled")
	}

	res, err := l.Admit(ctx, "key-b", 3)
	if err != nil {
		t.Fatalf("key-b should be unaffected: %v", err)
	}
	if res.Remaining != 2 {
		t.Errorf("key-b remaining = %d, want 2", res.Remaining)
	}
}

func TestMemoryLimiter_Admit_Burst(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	l := NewMemoryLimiter(2)
	l.now = fixedClock(&now)

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if _, err := l.Admit(ctx, "key-1", 5); err != nil {
			t.Fatalf("request %d denied with burst headroom: %v", i+1, err)
		}
	}
	if _, err := l.Admit(ctx, "key-1", 5); err == nil {
		t.Fatal("expected denial beyond limit+burst")
	}
}

func TestMemoryLimiter_Admit_ConcurrentSameKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	l := NewMemoryLimiter(0)
	l.now = fixedClock(&now)
	ctx := context.Background()

	const workers = 8
	const perWorker = 20
	admitted := make(chan int, workers)

	for w := 0; w < workers; w++ {
		go func() {
			n := 0
			for i := 0; i < perWorker; i++ {
				if _, err := l.Admit(ctx, "shared", 100); err == nil {
					n++
				}
			}
			admitted <- n
		}()
	}

	total := 0
	for w := 0; w < workers; w++ {
		total += <-admitted
	}
	// 160 attempts against a limit of 100 in one window.
	if total != 100 {
		t.Errorf("admitted = %d, want exactly 100", total)
	}
}
