// Package retry implements bounded retries with exponential backoff,
// used for payment provider calls that may fail transiently.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error as not worth retrying, such as a
// declined card or a validation failure from the provider.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do gives up immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do invokes fn up to maxAttempts times. Between attempts it sleeps for
// baseDelay doubled per attempt, with +-25% jitter so concurrent sagas
// retrying against the same provider do not stampede.
//
// Do returns nil as soon as fn succeeds. It returns the unwrapped error
// from a *PermanentError without further attempts, ctx.Err() if the
// context ends while waiting, and otherwise the last error from fn.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(lastErr, &pe) {
			return pe.Err
		}
		if attempt >= maxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(backoff(baseDelay, attempt))):
		}
	}
}

// backoff returns baseDelay doubled (attempt-1) times.
func backoff(baseDelay time.Duration, attempt int) time.Duration {
	d := baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// jittered spreads d across [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	spread := int64(d) / 2
	if spread <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	r := int64(binary.LittleEndian.Uint64(b[:]) >> 1) // keep non-negative
	return d - time.Duration(spread/2) + time.Duration(r%(spread+1))
}
