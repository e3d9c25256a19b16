package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test error")

func TestCircuitBreakerOpenOnMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:      3,
		Timeout:          1 * time.Second,
		HalfOpenMaxCalls: 1,
	})
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errTest })
	}
	assert.Equal(t, StateOpen, cb.State())

	// 打开后直接拒绝
	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:      2,
		Timeout:          50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errTest })
	}
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	// 半开探测成功应关闭熔断器
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:      2,
		Timeout:          50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errTest })
	}

	time.Sleep(80 * time.Millisecond)

	_ = cb.Execute(func() error { return errTest })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errTest })
	}
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Execute(func() error { return nil }))
}

func TestRetryWithBackoffEventualSuccess(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    10 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: func(error) bool { return true },
	}

	calls := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffMaxAttempts(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    10 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: func(error) bool { return true },
	}

	calls := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		calls++
		return errTest
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "max retry attempts")
}

func TestRetryWithBackoffNonRetryable(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    10 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: func(err error) bool { return err.Error() != "non-retryable" },
	}

	calls := 0
	nonRetryable := errors.New("non-retryable")
	err := RetryWithBackoff(context.Background(), config, func() error {
		calls++
		return nonRetryable
	})

	assert.Equal(t, nonRetryable, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &RetryConfig{
		MaxAttempts:     5,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        1 * time.Second,
		Multiplier:      2.0,
		RetryableErrors: func(error) bool { return true },
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := RetryWithBackoff(ctx, config, func() error { return errTest })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithCircuitBreaker(t *testing.T) {
	retryConfig := &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		RetryableErrors: func(err error) bool {
			return !errors.Is(err, ErrCircuitBreakerOpen)
		},
	}
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:      2,
		Timeout:          100 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	})

	// 重试会在熔断器打开后停止
	err := RetryWithCircuitBreaker(context.Background(), retryConfig, cb, func() error {
		return errTest
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	err = RetryWithCircuitBreaker(context.Background(), retryConfig, cb, func() error {
		return errTest
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}
