package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeout_CompletesBeforeDeadline(t *testing.T) {
	got, err := WithTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestWithTimeout_DeadlineExceeded(t *testing.T) {
	_, err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	var timeoutErr *TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{
		MaxAttempts: 5,
		MinWait:     time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2,
	}

	got, err := WithRetry(context.Background(), cfg, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &TransientError{Err: errors.New("connection reset")}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_StopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}

	_, err := WithRetry(context.Background(), cfg, func(ctx context.Context) (string, error) {
		attempts++
		return "", errors.New("invalid properties")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_ExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}

	_, err := WithRetry(context.Background(), cfg, func(ctx context.Context) (string, error) {
		attempts++
		return "", &TransientError{Err: errors.New("still failing")}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                "test-breaker",
		FailureThreshold:    2,
		RecoveryTimeout:     50 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	failing := func(ctx context.Context) (int, error) {
		return 0, errors.New("downstream unavailable")
	}

	_, err := Execute(context.Background(), cb, failing)
	require.Error(t, err)
	_, err = Execute(context.Background(), cb, failing)
	require.Error(t, err)

	assert.Equal(t, CircuitOpen, cb.Snapshot().State)

	_, err = Execute(context.Background(), cb, failing)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
}

func TestCircuitBreaker_RecoversAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:                "recover-breaker",
		FailureThreshold:    1,
		RecoveryTimeout:     20 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	_, err := Execute(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.Snapshot().State)

	time.Sleep(30 * time.Millisecond)

	got, err := Execute(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, CircuitClosed, cb.Snapshot().State)
}
