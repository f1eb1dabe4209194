package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrRetryExhausted is returned when a transaction kept conflicting.
var ErrRetryExhausted = errors.New("transaction retry budget exhausted")

// RetryPolicy bounds how often a conflicting transaction is re-executed.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	}
}

// RetryExhaustedError carries the attempt count and the last conflict.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("transaction retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return ErrRetryExhausted
}

// WithRetry runs fn through s.RunTx, re-executing the whole body from the
// first read whenever the commit reports ErrConflict.
func WithRetry(ctx context.Context, s Store, p RetryPolicy, fn TxFunc) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := s.RunTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return &RetryExhaustedError{Attempts: attempt, Last: err}
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff is capped exponential with full jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << min(attempt-1, 16)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}
