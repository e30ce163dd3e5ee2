package shared

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxAttempts bounds how often a conflicting unit of work is replayed.
const DefaultMaxAttempts = 5

// RetryOnConflict runs fn until it succeeds, fails with a non-retryable
// error, or maxAttempts attempts have lost a concurrency race. onRetry, when
// set, is invoked before every replay.
func RetryOnConflict(ctx context.Context, maxAttempts int, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if onRetry != nil && attempt < maxAttempts {
			onRetry(attempt, err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx)
	return backoff.Retry(operation, bo)
}
