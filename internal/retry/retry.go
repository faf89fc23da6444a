// Package retry holds the one backoff policy used for outbound gateway calls
// and lock-timeout retries.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

type Policy struct {
	MaxRetries uint64
	Base       time.Duration
	Cap        time.Duration
	JitterPct  uint64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Base:       100 * time.Millisecond,
		Cap:        2 * time.Second,
		JitterPct:  10,
	}
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

func (p Policy) backoff() goretry.Backoff {
	base := p.Base
	if base <= 0 {
		base = DefaultPolicy().Base
	}
	b := goretry.NewExponential(base)
	if p.Cap > 0 {
		b = goretry.WithCappedDuration(p.Cap, b)
	}
	if p.JitterPct > 0 {
		b = goretry.WithJitterPercent(p.JitterPct, b)
	}
	return goretry.WithMaxRetries(p.MaxRetries, b)
}
