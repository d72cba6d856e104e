package ratelimit

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
	if cfg.RequestsPerHour != 1000 {
		t.Errorf("RequestsPerHour = %d, want 1000", cfg.RequestsPerHour)
	}
	if cfg.RequestsPerDay != 10000 {
		t.Errorf("RequestsPerDay = %d, want 10000", cfg.RequestsPerDay)
	}
	if cfg.Burst != 10 {
		t.Errorf("Burst = %d, want 10", cfg.Burst)
	}
}

func TestStatusExhausted(t *testing.T) {
	tests := []struct {
		name string
		st   Status
		want bool
	}{
		{"empty", Status{}, false},
		{"room everywhere", Status{MinuteUsed: 5, MinuteLimit: 10, BurstUsed: 1, BurstLimit: 5}, false},
		{"minute full", Status{MinuteUsed: 10, MinuteLimit: 10}, true},
		{"burst full", Status{BurstUsed: 5, BurstLimit: 5}, true},
		{"hour full", Status{HourUsed: 100, HourLimit: 100}, true},
		{"day full", Status{DayUsed: 1000, DayLimit: 1000}, true},
		{"disabled budgets never exhaust", Status{MinuteUsed: 999, HourUsed: 999}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.Exhausted(); got != tt.want {
				t.Errorf("Exhausted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusRemaining(t *testing.T) {
	tests := []struct {
		name string
		st   Status
		want int
	}{
		{"disabled", Status{}, -1},
		{"partial", Status{MinuteUsed: 3, MinuteLimit: 10}, 7},
		{"full", Status{MinuteUsed: 10, MinuteLimit: 10}, 0},
		{"overfull clamps to zero", Status{MinuteUsed: 12, MinuteLimit: 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.Remaining(); got != tt.want {
				t.Errorf("Remaining() = %d, want %d", got, tt.want)
			}
		})
	}
}
