// Package retry is the single capped retry policy used around every network call.
package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// DefaultBackoff is the delay schedule between attempts: 2s, 4s, 8s.
var DefaultBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

const DefaultAttempts = 3

// Policy is a fixed, capped retry schedule. Delay i is waited after failed attempt i+1;
// attempts beyond the schedule reuse its last entry.
type Policy struct {
	Attempts int
	Backoff  []time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries everything
	// except context cancellation.
	Retryable func(error) bool
	// OnRetry is called after each failed retryable attempt, including the last one.
	OnRetry func(attempt int, err error)
}

func Default() Policy {
	return Policy{
		Attempts: DefaultAttempts,
		Backoff:  append([]time.Duration(nil), DefaultBackoff...),
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

func (p Policy) attempts() uint {
	if p.Attempts < 1 {
		return 1
	}
	return uint(p.Attempts)
}

// Do runs fn under the policy and returns the last error once attempts are exhausted.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var calls atomic.Int64

	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}

	return retrygo.DoWithData(
		func() (T, error) {
			calls.Add(1)
			return fn(ctx)
		},
		retrygo.Context(ctx),
		retrygo.Attempts(p.attempts()),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(retryable),
		retrygo.DelayType(func(_ uint, _ error, _ *retrygo.Config) time.Duration {
			return p.Delay(int(calls.Load()))
		}),
		retrygo.OnRetry(func(_ uint, err error) {
			if p.OnRetry != nil {
				p.OnRetry(int(calls.Load()), err)
			}
		}),
	)
}
