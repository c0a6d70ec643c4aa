package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitOpenError is returned in place of invoking op when the breaker is
// open or has exhausted its half-open probe budget.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("resilience: circuit %q is open", e.Name)
}

// CircuitBreakerConfig configures a named CircuitBreaker, per spec.md §4.5.
type CircuitBreakerConfig struct {
	Name                string
	FailureThreshold    uint32 // consecutive failures that trip the breaker
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests uint32
}

// CircuitState mirrors gobreaker's three states under spec.md's vocabulary.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitSnapshot is the point-in-time status exposed for diagnostics.
type CircuitSnapshot struct {
	Name          string
	State         CircuitState
	Failures      uint32
	LastFailureAt time.Time
}

// CircuitBreaker wraps gobreaker.CircuitBreaker to short-circuit calls to a
// failing dependency instead of letting every caller pay the full timeout.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	cfg  CircuitBreakerConfig

	lastFailureAt time.Time
}

// NewCircuitBreaker builds a CircuitBreaker from cfg. ReadyToTrip fires once
// ConsecutiveFailures reaches FailureThreshold; Timeout governs how long the
// breaker stays open before allowing half-open probes.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{name: cfg.Name, cfg: cfg}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.lastFailureAt = time.Now().UTC()
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs op through the breaker. When the breaker is open,
// *CircuitOpenError is returned without invoking op.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, op Op[T]) (T, error) {
	var zero T
	result, err := cb.cb.Execute(func() (any, error) {
		return op(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, &CircuitOpenError{Name: cb.name}
		}
		return zero, err
	}
	return result.(T), nil
}

// Snapshot reports the breaker's current state for diagnostics/metrics.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	counts := cb.cb.Counts()
	var state CircuitState
	switch cb.cb.State() {
	case gobreaker.StateClosed:
		state = CircuitClosed
	case gobreaker.StateOpen:
		state = CircuitOpen
	case gobreaker.StateHalfOpen:
		state = CircuitHalfOpen
	}
	return CircuitSnapshot{
		Name:          cb.name,
		State:         state,
		Failures:      counts.ConsecutiveFailures,
		LastFailureAt: cb.lastFailureAt,
	}
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }
