package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker(
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(100*time.Millisecond),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(clock),
	)

	if cb.State() != BreakerClosed {
		t.Fatal("expected closed")
	}

	// Record 3 failures to open.
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatal("expected open after 3 failures")
	}

	if cb.Allow() {
		t.Fatal("should not allow when open")
	}

	// Advance time past reset timeout.
	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open after reset timeout")
	}
	if !cb.Allow() {
		t.Fatal("should allow in half-open")
	}

	// One success closes it.
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after success in half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(50*time.Millisecond),
		WithBreakerClock(clock),
	)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	now = now.Add(100 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open")
	}

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected re-open after failure in half-open")
	}
}

func TestWithCircuitBreaker_Middleware(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	service := "test"

	base := func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("fail")
	}

	wrapped := WithCircuitBreaker(cb, service)(base)

	// First call fails, records failure, trips breaker.
	_, err := wrapped(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}

	// Second call should be rejected by circuit breaker.
	_, err = wrapped(context.Background(), nil)
	var eco *ErrCircuitOpen
	if !errors.As(err, &eco) {
		t.Fatalf("expected ErrCircuitOpen, got %T: %v", err, err)
	}
}
