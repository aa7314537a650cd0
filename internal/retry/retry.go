// Package retry provides a shared retry utility with a typed backoff policy.
package retry

import (
	"context"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy is an explicit retry schedule: attempt n sleeps Intervals[n-1]
// before running (the first attempt runs immediately). Attempts beyond
// the schedule reuse the last interval.
type Policy struct {
	MaxAttempts int
	Intervals   []time.Duration
}

// WebhookMaterialization is the retry contract for payment
// materialization jobs: 5 attempts backed off 30s/1m/2m/5m/10m.
func WebhookMaterialization() Policy {
	return Policy{
		MaxAttempts: 5,
		Intervals: []time.Duration{
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			300 * time.Second,
			600 * time.Second,
		},
	}
}

// Interval returns the sleep before retry attempt (1-based retry index).
func (p Policy) Interval(retry int) time.Duration {
	if len(p.Intervals) == 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	if retry > len(p.Intervals) {
		retry = len(p.Intervals)
	}
	return p.Intervals[retry-1]
}

// Do calls fn up to p.MaxAttempts times following the policy schedule.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
func Do(ctx context.Context, p Policy, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Interval(attempt)):
		}
	}

	return err
}
