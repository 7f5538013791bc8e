// Package backoff provides bounded exponential retry for provider requests,
// tool transports and message persistence.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned (wrapping the last failure) when every
// attempt failed with a retryable error.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines exponential backoff between attempts.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// Jitter adds up to this fraction of the delay at random (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy is 500ms doubling up to 10s with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait before the attempt following failed attempt n
// (1-indexed).
func (p Policy) Delay(n int) time.Duration {
	return p.delay(n, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(n int, random float64) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(n-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Retry runs fn up to maxAttempts times. A failure for which retryable
// returns false is returned immediately; a nil retryable retries every
// failure. Context cancellation stops the loop between attempts.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}

		if attempt < maxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExhausted, maxAttempts, lastErr)
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, policy, maxAttempts, retryable, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
