// Package retry runs an operation again with exponential backoff and jitter
// until it succeeds, the attempts run out or the context ends.
//
//	err := retry.Do(ctx, retry.DefaultBackoff(), func() error {
//		data, err = s3.Get(ctx, hash)
//		if errors.Is(err, consts.ErrCacheMiss) {
//			return retry.Stop(err)
//		}
//		return err
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/allgood/pigeonhole/logger"
)

type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// Delay returns the wait before retry number attempt (1-based). With
// jitter the delay is drawn from [d/2, d).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		attempt = 1
	}
	d := float64(b.InitialInterval) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.MaxInterval > 0 && d > float64(b.MaxInterval) {
		d = float64(b.MaxInterval)
	}
	delay := time.Duration(d)
	if b.Jitter && delay > 1 {
		delay = delay/2 + rand.N(delay/2)
	}
	return delay
}

type stopError struct{ err error }

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop marks err as not worth retrying. Do returns the wrapped error.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Do calls fn until it returns nil or a Stop error, or until MaxRetries
// retries have failed.
func Do(ctx context.Context, b Backoff, fn func() error) error {
	var err error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(b.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), err))
			case <-timer.C:
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		logger.Debug("Retry: attempt failed", "attempt", attempt+1, "max", b.MaxRetries+1, "error", err)
	}
	return fmt.Errorf("failed after %d attempts: %w", b.MaxRetries+1, err)
}
