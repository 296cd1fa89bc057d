// Package retry wraps bounded retries for the few call sites that write
// status transitions and may hit transient store errors.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"

	"github.com/me/pipesched/pkg/model"
)

// Policy is a bounded retry schedule. Delays grow exponentially unless Fixed.
type Policy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
	Fixed    bool
}

// DefaultPolicy is used for store writes: three attempts with exponential backoff.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: 50 * time.Millisecond, MaxDelay: time.Second}
}

// FromRetryConfig builds the policy for executing a block: one attempt plus
// the configured retries, delays given in seconds.
func FromRetryConfig(cfg *model.RetryConfig) Policy {
	if cfg == nil || cfg.Retries <= 0 {
		return Policy{Attempts: 1}
	}
	return Policy{
		Attempts: uint(cfg.Retries) + 1,
		Delay:    time.Duration(cfg.Delay) * time.Second,
		MaxDelay: time.Duration(cfg.MaxDelay) * time.Second,
		Fixed:    !cfg.ExponentialBackoff,
	}
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or the attempts are exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.Attempts == 0 {
		p.Attempts = 1
	}
	delayType := retry.BackOffDelay
	if p.Fixed {
		delayType = retry.FixedDelay
	}
	err := retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.Delay),
		retry.MaxDelay(p.MaxDelay),
		retry.DelayType(delayType),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var perm permanent
			return !errors.As(err, &perm) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}),
	)
	var perm permanent
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}
