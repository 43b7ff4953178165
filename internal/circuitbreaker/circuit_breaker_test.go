package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerStates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.MaxRequests = 2
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to remain closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return errors.New("test error") }); err == nil {
			t.Error("Expected error, got nil")
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", cb.State())
	}

	err := cb.Execute(ctx, func() error { return nil })
	if err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	// Wait for the timeout to elapse; the next call probes half-open.
	time.Sleep(150 * time.Millisecond)

	for i := uint32(0); i < config.MaxRequests; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Errorf("Expected probe success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to be closed after successful probes, got %s", cb.State())
	}
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.MaxRequests = 2
	config.Timeout = 50 * time.Millisecond

	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	// Trip the breaker, then wait for it to probe half-open.
	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("Expected state to be open, got %s", cb.State())
	}
	time.Sleep(70 * time.Millisecond)

	// Hold the first probe open so the second arrives while it's in flight.
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_ = cb.Execute(ctx, func() error { return nil })

	err := cb.Execute(ctx, func() error { return nil })
	if err != ErrTooManyRequests {
		t.Errorf("Expected too many requests error, got %v", err)
	}
	close(release)
}

func TestCircuitBreakerCounts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errors.New("error") })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	if counts.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("Expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("Expected 1 failure, got %d", counts.TotalFailures)
	}
}

func TestStateChangeCallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 2

	var callbackCalled bool
	var fromState, toState State
	config.OnStateChange = func(name string, from State, to State) {
		callbackCalled = true
		fromState = from
		toState = to
	}

	cb := NewCircuitBreaker("test", config, logger)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("error") })
	}

	if !callbackCalled {
		t.Error("Expected state change callback to be called")
	}
	if fromState != StateClosed || toState != StateOpen {
		t.Errorf("Expected transition from closed to open, got %s to %s", fromState, toState)
	}
}
