package client

import (
	"context"
	"math"
	"time"
)

// RetryConfig holds the retry policy applied to failed provider calls.
type RetryConfig struct {
	// MaxRetries is the total number of attempts per logical call.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// BackoffMultiplier grows the delay per attempt.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// normalized fills zero fields from the defaults.
func (rc RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if rc.MaxRetries <= 0 {
		rc.MaxRetries = def.MaxRetries
	}
	if rc.BaseDelay <= 0 {
		rc.BaseDelay = def.BaseDelay
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = def.MaxDelay
	}
	if rc.BackoffMultiplier < 1 {
		rc.BackoffMultiplier = def.BackoffMultiplier
	}
	return rc
}

// delay computes min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay)
// for the attempt that just failed.
func (rc RetryConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(rc.BaseDelay) * math.Pow(rc.BackoffMultiplier, float64(attempt-1)))
	if d > rc.MaxDelay || d <= 0 {
		return rc.MaxDelay
	}
	return d
}

// sleepFor waits out the delay unless the context ends first.
func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
