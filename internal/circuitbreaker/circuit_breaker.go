// Package circuitbreaker guards the gateway's three external dependencies
// (Postgres, Redis, upstream provider HTTP) with a shared breaker built on
// sony/gobreaker, the same library the pack's jordigilh-kubernaut repo wires
// into its per-channel notification delivery path. The wrappers in this
// package (DatabaseWrapper, RedisWrapper, HTTPWrapper) translate a
// gateway-specific failure signal (a 5xx upstream response, a failed
// transaction) into gobreaker's trip/probe/reset state machine and export
// it as Prometheus gauges via metrics.go.
package circuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State mirrors gobreaker's three-state machine (closed, half-open, open).
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// ErrCircuitBreakerOpen and ErrTooManyRequests are gobreaker's own rejection
// errors, re-exported so callers never need to import gobreaker directly.
var (
	ErrCircuitBreakerOpen = gobreaker.ErrOpenState
	ErrTooManyRequests    = gobreaker.ErrTooManyRequests
)

// Counts mirrors gobreaker's rolling request/success/failure tally.
type Counts = gobreaker.Counts

// Config configures one breaker. MaxRequests doubles as both the cap on
// probe requests allowed while half-open and the number of consecutive
// successes required to close again — gobreaker does not model those as
// separate knobs, so a wider SuccessThreshold than MaxRequests (as the
// hand-rolled predecessor of this package allowed) is no longer
// expressible; every caller in this tree sets them equal in practice.
type Config struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns sensible defaults for a breaker guarding a
// best-effort external dependency.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		OnStateChange:    nil,
	}
}

// CircuitBreaker wraps a gobreaker.CircuitBreaker, adding the gateway's
// structured-logging and config-level OnStateChange hook (mutated in place
// by metrics.go's RegisterCircuitBreaker to chain in Prometheus recording).
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger
	inner  *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a named breaker. name identifies the dependency
// (e.g. "postgres", "redis", or an upstream provider host) in logs and
// metrics labels.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, config: config, logger: logger}
	cb.inner = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(n string, from gobreaker.State, to gobreaker.State) {
			if cb.config.OnStateChange != nil {
				cb.config.OnStateChange(n, from, to)
			}
			cb.logger.Info("circuit breaker state changed",
				zap.String("name", n), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return cb
}

// Execute runs fn if the breaker is closed or half-open with probe capacity
// remaining; otherwise it returns ErrCircuitBreakerOpen or
// ErrTooManyRequests without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := cb.inner.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	return cb.inner.State()
}

// Counts returns the breaker's current rolling counters.
func (cb *CircuitBreaker) Counts() Counts {
	return cb.inner.Counts()
}
