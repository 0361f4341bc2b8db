// Package retry reruns failed operations with exponential backoff and
// jitter. Callers mark errors Retryable or Permanent; anything unmarked is
// returned as-is after the first attempt.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// markedError carries the retry decision alongside the cause.
type markedError struct {
	err   error
	again bool
	// now skips the backoff wait before the next attempt.
	now bool
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, again: true}
}

// RetryableNow marks err as worth another attempt with no backoff wait.
// For callers that already slept a server-advertised interval; the attempt
// still spends one slot of the budget.
func RetryableNow(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, again: true, now: true}
}

// Permanent marks err as final. The retrier stops and unwraps it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var m *markedError
	return errors.As(err, &m) && m.again
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var m *markedError
	return errors.As(err, &m) && !m.again
}

// Policy describes one backoff schedule. Attempts counts the first try.
type Policy struct {
	Attempts int
	BaseWait time.Duration
	MaxWait  time.Duration
	// Jitter in [0,1]: the fraction of each wait randomized symmetrically.
	Jitter float64
}

// Retrier executes operations under a fixed Policy.
type Retrier struct {
	policy Policy
}

// New builds a Retrier. Zero or negative Attempts means a single try.
func New(p Policy) *Retrier {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	return &Retrier{policy: p}
}

// Do runs op until it succeeds, exhausts the attempt budget, returns a
// Permanent error, or ctx ends. The final marked error is unwrapped so
// callers match on their own sentinels.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = unmark(err)

		if IsPermanent(err) || !IsRetryable(err) || attempt == r.policy.Attempts {
			return lastErr
		}

		if skipsWait(err) {
			continue
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(r.wait(attempt)):
		}
	}
}

// skipsWait reports whether err was marked with RetryableNow.
func skipsWait(err error) bool {
	var m *markedError
	return errors.As(err, &m) && m.now
}

// unmark strips the retry marker so the cause surfaces to the caller.
func unmark(err error) error {
	var m *markedError
	if errors.As(err, &m) {
		return m.err
	}
	return err
}

// wait computes the backoff for the given 1-based attempt.
func (r *Retrier) wait(attempt int) time.Duration {
	d := float64(r.policy.BaseWait) * math.Pow(2, float64(attempt-1))
	if max := float64(r.policy.MaxWait); r.policy.MaxWait > 0 && d > max {
		d = max
	}
	if r.policy.Jitter > 0 {
		d += d * r.policy.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// TelegramRetrier suits Bot API calls: waits start at 2s, cap at 10s, full
// jitter. Rate-limit responses are handled by the caller, which sleeps the
// advertised retry_after before re-entering here.
func TelegramRetrier() *Retrier {
	return New(Policy{
		Attempts: 4,
		BaseWait: 2 * time.Second,
		MaxWait:  10 * time.Second,
		Jitter:   1.0,
	})
}

// DatabaseRetrier suits pool queries: three quick attempts under a second
// total, so a blipped connection recovers without stalling a handler.
func DatabaseRetrier() *Retrier {
	return New(Policy{
		Attempts: 3,
		BaseWait: 50 * time.Millisecond,
		MaxWait:  500 * time.Millisecond,
		Jitter:   0.1,
	})
}
