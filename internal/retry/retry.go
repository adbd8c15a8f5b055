// Package retry runs operations with backoff between attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetry marks an error as worth another attempt. Wrap it with fmt.Errorf("%w").
var ErrRetry = errors.New("retry")

// Backoff blocks until the next attempt may start. It returns ctx.Err() when
// the context ends first.
type Backoff func(context.Context) error

// ExponentialBackoff waits initial, then initial*r, initial*r^2, ...
func ExponentialBackoff(initial time.Duration, r float64) Backoff {
	interval := initial
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = time.Duration(float64(interval) * r)
			return nil
		}
	}
}

// StaticBackoff waits a fixed interval.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// Attempt is called with the 1-based attempt number.
type Attempt[T any] func(ctx context.Context, attempt int) (T, error)

// OnRetry observes a failed attempt that will be retried.
type OnRetry func(attempt int, err error)

// Do calls f up to attempts times. Errors wrapping ErrRetry are retried after
// backoff; other errors are returned at once. The last error is returned when
// attempts run out.
func Do[T any](ctx context.Context, attempts int, b Backoff, f Attempt[T], onRetry OnRetry) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var last T
	for i := 1; ; i++ {
		v, err := f(ctx, i)
		if err == nil {
			return v, nil
		}
		last = v
		if !errors.Is(err, ErrRetry) || i >= attempts {
			return last, err
		}
		if onRetry != nil {
			onRetry(i, err)
		}
		if berr := b(ctx); berr != nil {
			return last, errors.Join(err, berr)
		}
	}
}
