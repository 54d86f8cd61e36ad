// Package retry is the single retry primitive used for polling, submission
// retries and queue requeues. Delays come from cenkalti/backoff strategies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts bounds the number of calls to the operation. Values <= 0 mean one attempt.
	MaxAttempts int
	// Backoff returns a fresh delay strategy for each Do call. Nil means no delay.
	Backoff func() backoff.BackOff
	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, next time.Duration)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Constant returns a fixed-interval strategy factory.
func Constant(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
}

// Exponential returns an exponential strategy factory starting at initial and
// capped at max. Jitter is disabled so delays stay predictable.
func Exponential(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.RandomizationFactor = 0
		b.Reset()
		return b
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is cancelled.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	var strategy backoff.BackOff
	if p.Backoff != nil {
		strategy = p.Backoff()
		strategy.Reset()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return v, err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		var next time.Duration
		if strategy != nil {
			next = strategy.NextBackOff()
			if next == backoff.Stop {
				return zero, &ExhaustedError{Attempts: attempt, Err: lastErr}
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, next)
		}
		if err := sleep(ctx, next); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
