package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient failure")

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter("test", 5, time.Second)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected allow %d", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny once the window is exhausted")
	}
	time.Sleep(1100 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected allow after the window rolled over")
	}
}

func TestRateLimiterAllowNAtomic(t *testing.T) {
	rl := NewRateLimiter("test", 5, time.Minute)
	if !rl.AllowN(3) {
		t.Fatalf("expected 3 to fit in a fresh window")
	}
	if rl.AllowN(3) {
		t.Fatalf("expected 3 more to be denied entirely, not partially admitted")
	}
	if !rl.AllowN(2) {
		t.Fatalf("expected the remaining 2 to fit")
	}
}

func TestCircuitBreakerConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 200*time.Millisecond, 2)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny after the failure streak")
	}

	time.Sleep(250 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("first half-open probe should be allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second half-open probe should be allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed after enough successful probes")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 50*time.Millisecond, 2)

	cb.Allow()
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("should be open after a single failure")
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be allowed")
	}
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("a failed probe should reopen the breaker immediately")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		attempts++
		return 0, errTransient
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := Retry(ctx, 3, 10*time.Millisecond, func() (int, error) {
		attempts++
		return 0, errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt before the cancellation was observed, got %d", attempts)
	}
}
