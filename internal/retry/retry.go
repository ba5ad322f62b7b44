// Package retry provides a small generic retry helper for transient RPC and
// hint-provider failures. It is a plain higher-order function, not a
// framework: the teacher's go.mod carries no backoff library, and neither
// does any other repo in the pack that's actually a fit for this engine, so
// this stays grounded in the same three-line loop style as
// internal/node/retry_worker.go's calculateNextRetry.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Do runs op until it succeeds, isTransient(err) returns false, attempts are
// exhausted, or ctx is cancelled — whichever comes first. backoff(n) is the
// delay before the (n+1)th attempt, where n is the number of attempts
// already made (0-indexed).
func Do(ctx context.Context, isTransient func(error) bool, attempts int, backoff func(n int) time.Duration, op func(ctx context.Context) error) error {
	var lastErr error
	for n := 0; n < attempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			return err
		}

		if n == attempts-1 {
			break
		}

		delay := backoff(n)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}

// ExponentialBackoff returns a backoff function doubling from base, capped
// at max.
func ExponentialBackoff(base, max time.Duration) func(n int) time.Duration {
	return func(n int) time.Duration {
		d := base
		for i := 0; i < n; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}
