// Package retry implements the bounded exponential backoff with jitter used
// for transient downstream failures.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func Default() Policy {
	return Policy{Attempts: 4, BaseDelay: 300 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Context cancellation aborts the wait between
// attempts.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			return err
		}

		delay := p.BaseDelay << attempt
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		// jitter within +-10% of the computed delay
		jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
	}
	return err
}
