// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry runs an operation under a fixed attempt budget with backoff
// and cancellation. Chunk forwarding, hand-off notification, the readiness
// poll and per-file backup uploads all go through Do.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/utils"
)

// ErrExhausted is matched by the error Do returns once every attempt failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy describes one retry budget.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int

	// Interval is the wait before the second attempt.
	Interval time.Duration

	// Multiplier grows the wait after each failure. 0 or 1 keeps it constant.
	Multiplier float64

	// MaxInterval caps the wait (0 = uncapped).
	MaxInterval time.Duration

	// Jitter spreads each wait by ±fraction.
	Jitter float64

	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Constant returns a policy of attempts separated by a fixed interval.
func Constant(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: interval}
}

// Exponential returns a doubling policy starting at interval, capped at max.
func Exponential(attempts int, interval, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: interval, Multiplier: 2, MaxInterval: max, Jitter: 0.1}
}

// ExhaustedError reports the attempt count and the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

type stopError struct{ err error }

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Stop wraps err so that Do returns it at once without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do calls fn until it succeeds, returns a Stop error, the budget runs out or
// ctx is done. Attempts are numbered from 1. Cancellation is checked before
// every attempt and interrupts any wait.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)
	wait := p.Interval

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err, last)
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr, err)
		}
		last = err

		if attempt == attempts {
			break
		}

		delay := utils.Jitter(wait, p.Jitter)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return cancelled(ctx.Err(), last)
			case <-timer.C:
			}
		}

		if p.Multiplier > 1 {
			wait = time.Duration(float64(wait) * p.Multiplier)
			if p.MaxInterval > 0 && wait > p.MaxInterval {
				wait = p.MaxInterval
			}
		}
	}

	return &ExhaustedError{Attempts: attempts, Last: last}
}

func cancelled(ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, last)
}
