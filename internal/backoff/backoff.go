package backoff

import (
	"context"
	"fmt"
	"time"
)

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Retry calls fn up to attempts times, waiting delay between failures.
// onFailure, if set, sees every failed attempt (1-based). The returned error
// wraps the last failure.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error, onFailure func(attempt int, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				last = err
			}
			break
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, last)
		}
		if attempt == attempts {
			break
		}
		if delay > 0 && !Sleep(ctx, delay) {
			break
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, last)
}

// Exponential doubles d up to limit.
func Exponential(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}
