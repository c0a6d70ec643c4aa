package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls WithRetry's backoff schedule and which errors are
// eligible for a retry, per spec.md §4.5.
type RetryConfig struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	// Retryable reports whether err should trigger another attempt.
	// Defaults to IsTransient when nil.
	Retryable func(err error) bool
}

// TransientError marks an error kind as eligible for retry (e.g. a
// connection failure). Node handlers that want retry-on-timeout get it
// automatically since *TimeoutError also satisfies IsTransient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient is the default RetryConfig.Retryable predicate: it retries
// *TransientError and *TimeoutError, and nothing else (non-retryable
// errors surface on the first failure, per spec.md §4.5).
func IsTransient(err error) bool {
	var transient *TransientError
	var timeout *TimeoutError
	return asError(err, &transient) || asError(err, &timeout)
}

func asError(err error, target any) bool {
	switch t := target.(type) {
	case **TransientError:
		for e := err; e != nil; e = unwrapOnce(e) {
			if te, ok := e.(*TransientError); ok {
				*t = te
				return true
			}
		}
	case **TimeoutError:
		for e := err; e != nil; e = unwrapOnce(e) {
			if te, ok := e.(*TimeoutError); ok {
				*t = te
				return true
			}
		}
	}
	return false
}

func unwrapOnce(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// WithRetry invokes op, retrying on Retryable errors with exponential
// backoff whose base interval starts at MinWait and is capped at MaxWait,
// up to MaxAttempts total invocations. Each wait is jittered by ±50%
// around the base interval and is not clamped afterwards, so a single
// wait can be as short as MinWait/2 or as long as 1.5*MaxWait. Each attempt is a fresh call to op; side effects from
// earlier attempts are not rolled back. A non-retryable error stops at the
// first failure.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op Op[T]) (T, error) {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.MinWait
	eb.MaxInterval = cfg.MaxWait
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = 0.5 // ±50% jitter around each base interval

	var bo backoff.BackOff = backoff.WithMaxRetries(eb, uint64(maxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	var result T
	var lastErr error
	attempt := func() error {
		val, err := op(ctx)
		if err == nil {
			result = val
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(attempt, bo); err != nil {
		var zero T
		if lastErr != nil {
			return zero, lastErr
		}
		return zero, err
	}
	return result, nil
}
