// Package retry runs an operation a bounded number of times with a fixed or
// increasing delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// Delay is the pause after the first failed attempt.
	Delay time.Duration
	// Multiplier grows the delay after each failure. Values <= 1 keep it fixed.
	Multiplier float64
	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration
}

// DelayFor returns the pause that follows the given failed attempt (1-based).
func (p Policy) DelayFor(attempt int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the context is
// done, or MaxAttempts calls have failed. fn receives the 1-based attempt
// number. onRetry, when non-nil, is called before each sleep.
func Do(ctx context.Context, p Policy, fn func(attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.DelayFor(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return &ExhaustedError{Attempts: attempt, Err: errors.Join(lastErr, err)}
		}
	}

	return &ExhaustedError{Attempts: p.MaxAttempts, Err: lastErr}
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
