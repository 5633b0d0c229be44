// Package retry provides the retry policies shared by the fetch and conversion
// stages and by the external-service clients.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Policy decides whether a failed attempt is retried and how long to wait.
// attempt counts the attempts already made, starting at 1.
type Policy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable for every policy in this package.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(err error) bool

// FixedPolicy retries up to MaxAttempts with a constant delay between attempts.
type FixedPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Retryable   Classifier
}

// NewFixed builds a FixedPolicy. A nil classifier retries every non-permanent error.
func NewFixed(maxAttempts int, delay time.Duration, retryable Classifier) *FixedPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &FixedPolicy{MaxAttempts: maxAttempts, Delay: delay, Retryable: retryable}
}

// ShouldRetry decides whether the error is retryable.
func (p *FixedPolicy) ShouldRetry(err error, attempt int) bool {
	if !baseRetryable(err) || attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Backoff returns the constant delay.
func (p *FixedPolicy) Backoff(int) time.Duration {
	return p.Delay
}

func baseRetryable(err error) bool {
	if err == nil {
		return false
	}
	// A per-call deadline is a timeout like any other; the caller's own
	// context is checked by Do.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

// TransientNetwork rejects permanent DNS failures ("no such host") and accepts
// every other error.
func TransientNetwork(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	return true
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends. It returns
// the number of attempts made alongside the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return attempt, fmt.Errorf("retry aborted: %w (last error: %v)", cerr, err)
		}
		if !p.ShouldRetry(err, attempt) {
			return attempt, unwrapPermanent(err)
		}
		if werr := wait(ctx, p.Backoff(attempt)); werr != nil {
			return attempt, fmt.Errorf("retry wait: %w (last error: %v)", werr, err)
		}
	}
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var out T
	attempts, err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}

func unwrapPermanent(err error) error {
	if p, ok := err.(*permanentError); ok { //nolint:errorlint // only the outermost marker is dropped
		return p.err
	}
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
