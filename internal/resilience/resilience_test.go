package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskscheduler/internal/model"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(5, 5, time.Second, 10)
	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow(), "expected allow %d", i)
	}
	require.False(t, rl.Allow(), "expected deny after capacity")
	time.Sleep(1100 * time.Millisecond)
	require.True(t, rl.Allow(), "expected allow after refill")
}

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		require.True(t, cb.Allow(), "should allow while closed")
		cb.RecordResult(false)
	}
	require.False(t, cb.Allow(), "should be open and deny")
	time.Sleep(600 * time.Millisecond)
	require.True(t, cb.Allow(), "half-open probe should allow")
	cb.RecordResult(true)
	require.True(t, cb.Allow(), "second probe should allow")
	cb.RecordResult(true)
	require.True(t, cb.Allow(), "breaker should be closed after successful probes")
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 3, attempts)
}

func TestRetryExhausted(t *testing.T) {
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		return 0, errors.New("always fails")
	})
	require.Error(t, err)
}

func TestRateLimiterAllowTaskBypassesWindowForHighPriority(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Second, 1)
	require.True(t, rl.Allow(), "first ordinary submission consumes the window's only slot")
	require.False(t, rl.Allow(), "window cap of 1 should deny the next ordinary submission")
	require.True(t, rl.AllowTask(HighPriorityBypass), "high priority must bypass the window cap")
}

func TestTopicBreakersAreIndependentPerTopic(t *testing.T) {
	tb := NewTopicBreakers()
	for i := 0; i < 10; i++ {
		require.True(t, tb.Allow("tasks.queue"))
		tb.RecordResult("tasks.queue", false)
	}
	require.False(t, tb.Allow("tasks.queue"), "tasks.queue breaker should have tripped open")
	require.True(t, tb.Allow("tasks.events.progress"), "an unrelated topic's breaker must stay closed")
}

func TestRetryAbortsImmediatelyOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), 5, time.Millisecond, func() (int, error) {
		attempts++
		return 0, model.NewError(model.ErrKindMethodNotFound, "no such method")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts, "a permanent error must not consume the rest of the attempt budget")
}

func TestComputeBackoff(t *testing.T) {
	require.Equal(t, 2*time.Second, ComputeBackoff(BackoffFixed, 5, 2*time.Second, time.Minute, 2))

	exp1 := ComputeBackoff(BackoffExponential, 1, time.Second, time.Minute, 2)
	exp2 := ComputeBackoff(BackoffExponential, 2, time.Second, time.Minute, 2)
	exp3 := ComputeBackoff(BackoffExponential, 3, time.Second, time.Minute, 2)
	require.Equal(t, time.Second, exp1)
	require.Equal(t, 2*time.Second, exp2)
	require.Equal(t, 4*time.Second, exp3)

	require.Equal(t, time.Minute, ComputeBackoff(BackoffExponential, 20, time.Second, time.Minute, 2))
}
