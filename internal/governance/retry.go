package governance

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been
// exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines retry behavior for engine calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter randomises backoff to avoid thundering-herd retries.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Retrier executes calls with exponential backoff. Retries apply only to the
// idempotent compile-path operations; enforcement queries are never retried
// here because the optimizer already fails closed.
type Retrier struct {
	config RetryConfig
	sleep  func(context.Context, time.Duration) error
}

// NewRetrier creates a retrier with the given configuration.
func NewRetrier(config RetryConfig) *Retrier {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultRetryConfig().InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultRetryConfig().MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = DefaultRetryConfig().BackoffMultiplier
	}
	return &Retrier{config: config, sleep: sleepContext}
}

// Do runs fn until it succeeds, the context is cancelled, or the retry
// budget is spent. The last error is wrapped under ErrMaxRetriesExceeded.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff
			// Int63n rejects n <= 0, so sub-2ns backoffs get no jitter.
			if half := int64(backoff) / 2; r.config.Jitter && half > 0 {
				delay += time.Duration(rand.Int63n(half)) //nolint:gosec // jitter needs no crypto randomness
			}
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
			backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
			if backoff > r.config.MaxBackoff {
				backoff = r.config.MaxBackoff
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		// An open circuit will not recover within the retry budget.
		if errors.Is(lastErr, ErrCircuitOpen) {
			return lastErr
		}
	}

	return errors.Join(ErrMaxRetriesExceeded, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
