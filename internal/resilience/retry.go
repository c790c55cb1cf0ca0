// Package resilience provides retry, circuit-breaking, and rate-limiting primitives shared by
// the bus, manager, and worker.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskscheduler/internal/model"
)

// Retry executes fn with exponential backoff (base delay) + full jitter.
// delay acts as initial backoff; grows exponentially (x2) until attempts exhausted.
// Jitter: random duration in [0, currentDelay]. fn's error is checked against
// isPermanentTaskError after every attempt: a model.Error the Manager has already classified as
// non-retryable (spec §3's error kinds) aborts immediately instead of burning the rest of the
// attempt budget on an error that cannot go away.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("taskscheduler")
	attemptCounter, _ := meter.Int64Counter("taskscheduler_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskscheduler_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskscheduler_resilience_retry_fail_total")
	abortCounter, _ := meter.Int64Counter("taskscheduler_resilience_retry_aborted_permanent_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if isPermanentTaskError(err) {
			abortCounter.Add(ctx, 1)
			break
		}
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// isPermanentTaskError reports whether err is a model.Error whose Kind can never succeed on
// retry. These mirror the reconciler's own Permanent classification (spec §4.8) but live here
// too since Retry is used below the reconciler, on the bus/transport path, where the caller has
// no requeue loop to fall back to — the only useful thing Retry can do with a permanent error is
// stop asking the same question again.
func isPermanentTaskError(err error) bool {
	var merr *model.Error
	if !errors.As(err, &merr) {
		return false
	}
	switch merr.Kind {
	case model.ErrKindInvalidArguments, model.ErrKindInvalidConfig, model.ErrKindInvalidSchedule,
		model.ErrKindMethodNotFound, model.ErrKindAlreadyExists:
		return true
	default:
		return false
	}
}

// BackoffStrategy mirrors the task retry-policy strategies in the data model (spec §3).
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// ComputeBackoff returns the delay before retry attempt n (1-indexed) under the given policy,
// clamped to maxBackoff. This is the Manager's retry-semantics helper (spec §9 "Retry semantics"):
// retries are the Manager/Worker's concern, not the scheduler's.
func ComputeBackoff(strategy BackoffStrategy, attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch strategy {
	case BackoffExponential:
		d = initial
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * multiplier)
			if d > max {
				d = max
				break
			}
		}
	case BackoffLinear:
		d = initial + time.Duration(attempt-1)*time.Duration(float64(initial)*multiplier)
	default: // BackoffFixed
		d = initial
	}
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}
