// SPDX-License-Identifier: MIT

package sonarr

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // backoff cap
}

// DefaultRetryPolicy matches the documented client behavior: three
// attempts, exponential backoff from one second, capped at thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// retryAfterHint is set on an APIError when the server sent a usable
// Retry-After header with a 429.
type retryAfterHint struct {
	delay time.Duration
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// Only transient and server-side failures are retried.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := delay
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == 429 {
			if hint, ok := apiErr.Err.(retryAfterHint); ok && hint.delay > 0 {
				wait = hint.delay
			}
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}

		logger.Warn().
			Str("event", "client.retry").
			Str("operation", op).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("transient failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}

	logger.Error().
		Str("event", "client.retries_exhausted").
		Str("operation", op).
		Int("attempts", attempts).
		Err(err).
		Msg("giving up after retries")
	return err
}

func (h retryAfterHint) Error() string {
	return "retry after " + h.delay.String()
}
