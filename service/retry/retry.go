// Package retry provides a synchronous retry-with-backoff executor for
// fallible operations. It is independent of the dispatcher's own
// persistence-based retry: this executor retries within one logical
// operation, the dispatcher retries across background cycles.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Policy configures the backoff schedule for Do.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Sleep overrides the delay primitive. Nil means a context-aware timer.
	// Exposed so tests can count and skip delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the schedule used for outbound HTTP calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// IsRetryable decides whether a failed attempt is worth repeating.
type IsRetryable func(error) bool

// Do runs op up to p.MaxAttempts times. Before each retry it sleeps for the
// current delay, then multiplies the delay by p.BackoffFactor capped at
// p.MaxDelay. A non-retryable failure stops immediately; on exhaustion the
// last attempt's error is returned.
func Do[T any](ctx context.Context, p Policy, retryable IsRetryable, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
		delay = time.Duration(float64(delay) * p.BackoffFactor)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return zero, lastErr
}

// sleepCtx blocks for d using a timer, returning early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
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

// HTTPStatusError marks a completed HTTP exchange that returned non-2xx.
// Transport failures are ordinary errors and never wrapped in this type.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// IsRetryableHTTP classifies delivery errors: timeouts, connection failures
// and 408/429/5xx responses are retryable; other 4xx client errors are not.
func IsRetryableHTTP(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code == 408 || code == 429 || code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Remaining errors from the HTTP client are transport failures
	// (connection refused, DNS, broken pipe) and might succeed later.
	return true
}
