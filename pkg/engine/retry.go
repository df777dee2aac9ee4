package engine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"code.cloudfoundry.org/clock"
)

// RetryPolicy governs how the executor retries transient provider
// failures. It is injected so tests can exercise it against a fake clock.
type RetryPolicy struct {
	// MaxAttempts is the total number of provider calls allowed per step,
	// including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential curve.
	MaxDelay time.Duration

	// Jitter randomizes each delay by up to 12.5% either way, spreading
	// out retries from concurrent runs.
	Jitter bool
}

// DefaultRetryPolicy matches the behavior expected of provider calls:
// a handful of attempts with an exponential curve capped at a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Jitter:      true,
	}
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter {
		spread := float64(delay) * 0.25
		delay += time.Duration(rand.Float64()*spread - spread/2)
	}
	return delay
}

// Do invokes fn until it succeeds, exhausts MaxAttempts, returns a
// non-transient error, or the context is cancelled. Only transient errors
// are retried: fatal provider errors and conflicts escalate immediately.
// After the final failed attempt a transient error is escalated to fatal,
// per the provider error contract.
func (p RetryPolicy) Do(ctx context.Context, clk clock.Clock, fn func() error) (attempts int, err error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts++
		err = fn()
		if err == nil {
			return attempts, nil
		}
		if !IsTransient(err) {
			return attempts, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		timer := clk.NewTimer(p.Backoff(attempt))
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		}
	}

	// Transient failures that survive every attempt become fatal.
	return attempts, NewFatalProviderError("retries exhausted", err)
}
