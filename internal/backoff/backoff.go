// Package backoff retries operations with exponentially growing pauses.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// Retry calls operation up to maxRetries times, sleeping initialInterval
// after the first failure and doubling the pause after each further one.
// onRetry, when set, is called before each pause.
func Retry(ctx context.Context, operation func() error, maxRetries int, initialInterval time.Duration, onRetry func(attempt int, err error, wait time.Duration)) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var err error

	interval := initialInterval

	for i := 0; i < maxRetries; i++ {
		if err = operation(); err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		if i == maxRetries-1 {
			break
		}

		if onRetry != nil {
			onRetry(i+1, err, interval)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after %d attempts: %w", i+1, errors.Join(err, ctx.Err()))
		case <-time.After(interval):
		}

		interval *= 2
	}

	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}
