package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:        10,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},  // 32s capped
		{10, 30 * time.Second}, // capped
	}

	for _, tt := range tests {
		if got := rc.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryConfigNormalized(t *testing.T) {
	def := DefaultRetryConfig()

	got := RetryConfig{}.normalized()
	if got != def {
		t.Errorf("normalized zero value = %+v, want defaults %+v", got, def)
	}

	partial := RetryConfig{MaxRetries: 7}.normalized()
	if partial.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want the explicit 7 preserved", partial.MaxRetries)
	}
	if partial.BaseDelay != def.BaseDelay || partial.MaxDelay != def.MaxDelay {
		t.Errorf("delays = %v/%v, want defaults filled in", partial.BaseDelay, partial.MaxDelay)
	}
}

func TestSleepForZeroReturnsImmediately(t *testing.T) {
	start := time.Now()
	if err := sleepFor(context.Background(), 0); err != nil {
		t.Fatalf("sleepFor(0) error: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("sleepFor(0) blocked")
	}
}

func TestSleepForHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepFor(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepFor() error = %v, want context.Canceled", err)
	}
}
