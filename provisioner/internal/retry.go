package internal

import (
	"context"
	"errors"
	"time"
)

// Backoff is an exponential retry schedule: Base, 2*Base, 4*Base, ... never waiting more than Max.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff waits 100ms, 200ms, 400ms, 800ms between five attempts.
var DefaultBackoff = Backoff{Attempts: 5, Base: 100 * time.Millisecond}

func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Base << attempt
	if b.Max > 0 && (delay > b.Max || delay <= 0) {
		return b.Max
	}
	return delay
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a permanent error, or the attempts are exhausted.
// The last error is returned; ctx.Err() is returned if ctx is cancelled while waiting.
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	_, err := RetryResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryResult is like Retry but for functions that return a value.
func RetryResult[T any](ctx context.Context, b Backoff, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < b.Attempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return result, permanent.err
		}

		if i < b.Attempts-1 {
			select {
			case <-time.After(b.Delay(i)):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
