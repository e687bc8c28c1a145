// Package retry runs an operation again with exponential backoff and
// jitter. The escrow bridge retries lock contention with it; the payment
// gateway client retries transient upstream failures.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that it is returned without another attempt.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes how an operation is retried. The zero value makes a
// single attempt.
type Policy struct {
	MaxAttempts int
	// BaseDelay doubles after every failed attempt, with +-25% jitter.
	BaseDelay time.Duration
	// MaxDelay caps the delay before jitter; zero means no cap.
	MaxDelay time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error except a *PermanentError.
	Retryable func(err error) bool
	// OnRetry, when set, runs before each retry with the attempt number
	// about to start (2 for the first retry) and the error that caused it.
	OnRetry func(attempt int, err error)
}

// Run calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. The last error is returned unwrapped
// from any PermanentError.
func (p Policy) Run(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(jittered(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// Do retries every error up to maxAttempts times.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Run(ctx, fn)
}

// DoIf is Do restricted to errors for which retryable returns true.
func DoIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Retryable: retryable}.Run(ctx, fn)
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := d / 4
	return d - jitter + time.Duration(randInt64n(int64(2*jitter+1)))
}

// randInt64n returns a random int64 in [0, n).
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64((binary.LittleEndian.Uint64(b[:]) >> 1) % uint64(n))
}
