package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeGrowsExponentially(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0}
	d1 := ComputeWithRand(policy, 1, 0)
	d2 := ComputeWithRand(policy, 2, 0)
	d3 := ComputeWithRand(policy, 3, 0)
	if d1 != 100*time.Millisecond || d2 != 200*time.Millisecond || d3 != 400*time.Millisecond {
		t.Fatalf("got %v %v %v", d1, d2, d3)
	}
}

func TestComputeClampsToMax(t *testing.T) {
	policy := Policy{InitialMs: 1000, MaxMs: 1500, Factor: 10, Jitter: 0}
	d := ComputeWithRand(policy, 5, 0)
	if d != 1500*time.Millisecond {
		t.Fatalf("expected clamp to max, got %v", d)
	}
}

func TestComputeJitterAddsWithinBound(t *testing.T) {
	policy := Policy{InitialMs: 1000, MaxMs: 10000, Factor: 1, Jitter: 0.5}
	d := ComputeWithRand(policy, 1, 1.0)
	if d != 1500*time.Millisecond {
		t.Fatalf("expected full jitter to add 500ms, got %v", d)
	}
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "permanent" }
func (permanentErr) Retryable() bool { return false }

func TestRetrySucceedsEventually(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0}
	attempts := 0
	err := Retry(context.Background(), policy, 3, func(ctx context.Context, attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0}
	attempts := 0
	err := Retry(context.Background(), policy, 5, func(ctx context.Context, attempt int) error {
		attempts++
		return permanentErr{}
	})
	if attempts != 1 {
		t.Fatalf("expected to stop after first attempt, got %d", attempts)
	}
	if !errors.As(err, &permanentErr{}) {
		t.Fatalf("expected permanentErr, got %v", err)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0}
	err := Retry(context.Background(), policy, 2, func(ctx context.Context, attempt int) error {
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
}

func TestSleepRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, 100*time.Millisecond); err == nil {
		t.Fatal("expected cancellation error")
	}
}
