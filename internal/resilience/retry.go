package resilience

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig tunes the exponential backoff loop.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig matches the gateway defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// RetriesExhaustedError wraps the last failure after the retry budget runs out.
type RetriesExhaustedError struct {
	Attempts int
	Last     Classification
	Cause    error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts (%s): %v", e.Attempts, e.Last.Kind, e.Cause)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Cause }

// Retry runs op with exponential backoff. Non-retryable errors return
// immediately; an explicit Retry-After from the upstream overrides the
// computed delay. The backoff sleep honors ctx cancellation.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}

	var lastErr error
	var lastClass Classification

	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		lastClass = Classify(lastErr)
		if !lastClass.Retryable {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if lastClass.RetryAfter > 0 {
			delay = lastClass.RetryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return &RetriesExhaustedError{
		Attempts: cfg.MaxRetries + 1,
		Last:     lastClass,
		Cause:    lastErr,
	}
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
