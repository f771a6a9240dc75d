// Package retry wraps exponential backoff with the policy knobs the
// pipeline exposes through configuration.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the initial backoff interval.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval between tries.
	MaxDelay time.Duration
}

// DefaultPolicy matches the delivery and LLM retry behaviour used when
// no overrides are configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Permanent marks err as non-retryable. Do returns it immediately
// without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the policy, retrying transient failures with
// exponential backoff and jitter. It returns the first success, the
// last error once attempts are exhausted, or early on context
// cancellation or a Permanent error.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
	)
}
