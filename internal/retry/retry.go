package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds an exponential backoff loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempts run
// out or ctx ends. onRetry, if set, is called before each wait.
// It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, onRetry func(err error, wait time.Duration)) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		attempts++
		return op(ctx)
	}, b, func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	})
	return attempts, err
}
