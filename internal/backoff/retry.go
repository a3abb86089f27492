package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExceeded is returned by Retry when fn has failed on every
// permitted attempt.
var ErrMaxAttemptsExceeded = errors.New("backoff: max attempts exceeded")

// Retryable lets fn distinguish errors worth retrying from permanent
// failures that should abort immediately.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err opts into retry via the Retryable
// interface. Errors that don't implement it are treated as retryable,
// matching the pack's default of "retry unless told not to".
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Retry calls fn up to maxAttempts times, sleeping per policy between
// attempts, stopping early on ctx cancellation or a non-retryable error.
// attempt numbers passed to fn are 1-based.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if sleepErr := Sleep(ctx, Compute(policy, attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrMaxAttemptsExceeded
}
