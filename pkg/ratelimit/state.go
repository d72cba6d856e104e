// Package ratelimit implements per-provider admission control for outbound
// requests. A Tracker enforces sliding-window minute/hour budgets, a calendar
// day budget, and an independent one-second burst cap. A Registry hands out
// one authoritative Tracker per provider so that every request path (queued
// or direct) shares the same admission decisions.
package ratelimit

import (
	"time"
)

// Config holds the admission budgets for one provider.
// A zero or negative value disables that particular budget.
type Config struct {
	// RequestsPerMinute caps admissions within any rolling 60s window.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// RequestsPerHour caps admissions within any rolling 1h window.
	RequestsPerHour int `yaml:"requests_per_hour"`

	// RequestsPerDay caps admissions per UTC calendar day.
	RequestsPerDay int `yaml:"requests_per_day"`

	// Burst caps admissions inside a single 1s burst window, independent
	// of the minute budget.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns a conservative default budget suitable for most
// third-party data providers.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		Burst:             10,
	}
}

// Status is a point-in-time snapshot of one provider's budgets.
type Status struct {
	Provider string `json:"provider"`

	MinuteUsed  int `json:"minute_used"`
	MinuteLimit int `json:"minute_limit"`
	HourUsed    int `json:"hour_used"`
	HourLimit   int `json:"hour_limit"`
	DayUsed     int `json:"day_used"`
	DayLimit    int `json:"day_limit"`
	BurstUsed   int `json:"burst_used"`
	BurstLimit  int `json:"burst_limit"`

	// MinuteResetIn is the time until the oldest request in the current
	// minute window falls out of it. Zero when the window is empty.
	MinuteResetIn time.Duration `json:"minute_reset_in"`

	// HourResetIn is the time until the oldest request in the hour window
	// falls out of it. Zero when the window is empty.
	HourResetIn time.Duration `json:"hour_reset_in"`

	// BurstResetIn is the time until the current 1s burst window closes.
	BurstResetIn time.Duration `json:"burst_reset_in"`
}

// Exhausted reports whether any enabled budget is currently full.
func (s Status) Exhausted() bool {
	if s.BurstLimit > 0 && s.BurstUsed >= s.BurstLimit {
		return true
	}
	if s.MinuteLimit > 0 && s.MinuteUsed >= s.MinuteLimit {
		return true
	}
	if s.HourLimit > 0 && s.HourUsed >= s.HourLimit {
		return true
	}
	if s.DayLimit > 0 && s.DayUsed >= s.DayLimit {
		return true
	}
	return false
}

// Remaining returns how many requests the minute budget still admits.
// Returns -1 when the minute budget is disabled.
func (s Status) Remaining() int {
	if s.MinuteLimit <= 0 {
		return -1
	}
	left := s.MinuteLimit - s.MinuteUsed
	if left < 0 {
		return 0
	}
	return left
}
