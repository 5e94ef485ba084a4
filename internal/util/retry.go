package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent wraps err so that Retry returns it immediately instead of trying
// again.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls fn up to maxAttempts times, sleeping delay between attempts.
// It returns nil on the first successful call, or the last error if all
// attempts fail. Errors wrapped with Permanent stop the loop at once and are
// returned unwrapped. The function respects context cancellation between
// retries.
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(delay)
	b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(fn, b)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
