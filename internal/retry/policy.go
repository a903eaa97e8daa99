// Package retry runs an operation again when it fails with a transient error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is passed explicitly to the call site that wants retries.
type Policy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int
	// Backoff is multiplied by the attempt number before the next attempt.
	Backoff time.Duration
	// AttemptTimeout bounds each attempt when positive.
	AttemptTimeout time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error except context cancellation.
	Retryable func(err error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		Backoff:        time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// None runs the operation once.
func None() Policy {
	return Policy{MaxAttempts: 1}
}

// Delay is the wait after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.Backoff * time.Duration(attempt)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				return ctxErr
			}
			return fmt.Errorf("%w (after %d attempts: %v)", ctxErr, attempt-1, err)
		}

		err = p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !p.retryable(err) || attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (after %d attempts: %v)", ctx.Err(), attempt, err)
		case <-timer.C:
		}
	}
	return err
}

func (p Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}
