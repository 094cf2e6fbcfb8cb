package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "floodworker/pkg/resilience"
)

var errBoom = errors.New("connection refused")

func fail() error { return errBoom }

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())

	if cb.State() != CircuitClosed {
		t.Errorf("expected initial state to be Closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	config := CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
		MaxRequests:      1,
	}
	cb := NewCircuitBreaker("test", config)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected state to be Open after %d failures, got %v", config.FailureThreshold, cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), func() error { return nil })
	_ = cb.Execute(context.Background(), fail)

	if cb.State() != CircuitClosed {
		t.Errorf("expected Closed, non-consecutive failures must not trip, got %v", cb.State())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("function must not run while the circuit is open")
	}
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: 50 * time.Millisecond})

	_ = cb.Execute(context.Background(), fail)
	time.Sleep(60 * time.Millisecond)

	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected state to be HalfOpen after timeout, got %v", cb.State())
	}
}

func TestCircuitBreaker_ClosesAfterSuccessInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
		MaxRequests:      2,
	})

	_ = cb.Execute(context.Background(), fail)
	time.Sleep(60 * time.Millisecond)
	_ = cb.Execute(context.Background(), func() error { return nil })

	if cb.State() != CircuitClosed {
		t.Errorf("expected state to be Closed after success in HalfOpen, got %v", cb.State())
	}
}

func TestCircuitBreaker_ReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: 50 * time.Millisecond})

	_ = cb.Execute(context.Background(), fail)
	time.Sleep(60 * time.Millisecond)
	_ = cb.Execute(context.Background(), fail)

	if cb.State() != CircuitOpen {
		t.Errorf("expected Open after failed probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	errRejected := errors.New("model failed")
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Second,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, errRejected) },
	})

	err := cb.Execute(context.Background(), func() error { return errRejected })

	if !errors.Is(err, errRejected) {
		t.Errorf("expected the function's error back, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected Closed, filtered errors must not count, got %v", cb.State())
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return nil })

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected Closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Errorf("expected state to be Closed after Reset, got %v", cb.State())
	}
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cb := NewCircuitBreaker("model-worker", DefaultCircuitBreakerConfig())
	_ = cb.Execute(context.Background(), fail)

	snap := cb.Snapshot()

	if snap.Name != "model-worker" {
		t.Errorf("expected name to be 'model-worker', got %v", snap.Name)
	}
	if snap.State != "closed" {
		t.Errorf("expected state to be 'closed', got %v", snap.State)
	}
	if snap.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", snap.Failures)
	}
}
