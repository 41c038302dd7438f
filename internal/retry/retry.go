// Package retry runs an operation again with exponential backoff while it
// keeps failing with a transient error.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy holds backoff settings.
type Policy struct {
	MaxAttempts int           // Total attempts including the first (<=1 means once)
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Upper bound for any single wait
	Multiplier  float64       // Growth factor between waits
	Jitter      float64       // Fraction of each wait randomized (0-1)
}

// DefaultPolicy is three attempts starting at 100ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// None runs the operation exactly once.
func None() Policy {
	return Policy{MaxAttempts: 1}
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying. Do strips the mark from the error
// it finally returns.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Do calls fn until it succeeds, returns a non-transient error, the
// attempts run out or ctx is done.
func Do[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	wait := p.InitialWait

	for attempt := 1; ; attempt++ {
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		var t transientError
		if !errors.As(err, &t) || attempt >= p.MaxAttempts {
			return zero, unwrapTransient(err)
		}

		timer := time.NewTimer(jittered(wait, p.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, unwrapTransient(err)
		case <-timer.C:
		}

		wait = time.Duration(float64(wait) * p.Multiplier)
		if p.MaxWait > 0 && wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*jitter*(rand.Float64()*2-1))
}

func unwrapTransient(err error) error {
	if t, ok := err.(transientError); ok {
		return t.err
	}
	return err
}
