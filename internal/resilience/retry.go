// Package resilience provides the retry, circuit breaker, and failover
// primitives the vendor adapters share.
//
// Vendor calls in this pipeline are slow and billed, so the policy is
// conservative: bounded exponential backoff for transient failures, an
// immediate stop for permanent ones, and per-vendor breakers so a dead
// endpoint fails fast instead of eating the whole run timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// permanentError marks an error that retrying cannot fix (vendor 4xx,
// validation, missing credentials).
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so [RetryPolicy.Do] stops immediately instead of
// retrying. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy retries an operation with exponential backoff and jitter.
type RetryPolicy struct {
	// Attempts is the total number of tries including the first. Default: 3.
	Attempts int

	// BaseDelay is the backoff before the second attempt; each further attempt
	// doubles it. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff between attempts. Default: 30s.
	MaxDelay time.Duration

	// Log receives per-attempt warnings. Defaults to slog.Default.
	Log *slog.Logger
}

// DefaultRetryPolicy is the policy vendor adapters use unless configured
// otherwise.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Do runs fn until it succeeds, returns a [Permanent] error, the attempt
// budget is exhausted, or ctx is done. The operation name appears in logs and
// wrapped errors.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	var lastErr error
	delay := base
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		if attempt == attempts {
			break
		}
		// Full jitter keeps concurrent stem workers from hammering a vendor in
		// lockstep after a shared outage.
		sleep := time.Duration(rand.Int64N(int64(delay)) + int64(delay)/2)
		log.Warn("retrying after transient failure",
			"op", op, "attempt", attempt, "of", attempts, "backoff", sleep, "error", lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", op, attempts, lastErr)
}
