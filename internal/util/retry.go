package util

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPermanent marks an error that RetryWithBackoff must not retry.
var ErrPermanent = errors.New("permanent failure")

// RetryWithBackoff calls fn up to maxRetries+1 times, doubling the wait after
// each failure starting from base. fn receives the 0-indexed attempt number.
// Errors wrapping ErrPermanent stop the loop immediately.
func RetryWithBackoff(ctx context.Context, maxRetries int, base time.Duration, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}

		if attempt == maxRetries {
			break
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		backoff := base * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}
