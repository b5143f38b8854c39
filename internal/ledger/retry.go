package ledger

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds conflict retries. Delays double from BaseDelay up to
// MaxDelay; Timeout caps the whole operation.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Timeout:     5 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds or fails with anything other than a head
// conflict. Conflicts are retried with exponential backoff. When attempts or
// the policy timeout run out the last error is wrapped in *TimeoutError.
// Attempts are numbered from 1.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Op: op, Attempts: attempt, Err: err}
		}
		if !IsConflict(err) {
			return err
		}
		last = err
		if attempt == p.MaxAttempts {
			break
		}

		t := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &TimeoutError{Op: op, Attempts: attempt, Err: last}
			}
			return ctx.Err()
		case <-t.C:
		}
	}
	return &TimeoutError{Op: op, Attempts: p.MaxAttempts, Err: last}
}
