// Package backoff implements a bounded retry policy with exponential delay
// and jitter for transient upstream failures.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds the number of attempts and spaces them out exponentially.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is the retry policy shared by the outbound provider clients.
var Default = Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second}

// Permanent marks an error as non-retryable.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Stop wraps err so Do returns it immediately without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return Permanent{Err: err}
}

// Do invokes fn up to MaxAttempts times, sleeping between attempts with
// exponential delay plus jitter. It returns nil on the first success, the
// wrapped error immediately when fn returns a Permanent error, and the last
// error once attempts are exhausted. Context cancellation aborts the wait.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var permanent Permanent
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		lastErr = err
	}
	return lastErr
}
