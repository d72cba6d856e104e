package ratelimit

import (
	"context"
	"testing"
	"time"
)

// base is an arbitrary fixed instant well inside a UTC day, so tests never
// straddle a midnight rollover by accident.
var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func admitN(t *testing.T, tr *Tracker, now time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !tr.AllowAt(now) {
			t.Fatalf("admission %d at %v unexpectedly denied", i+1, now)
		}
	}
}

func TestTrackerBurstBudget(t *testing.T) {
	tr := NewTracker("test", Config{Burst: 3})

	admitN(t, tr, base, 3)
	if tr.AllowAt(base) {
		t.Error("4th admission within burst window should be denied")
	}
	if tr.AllowAt(base.Add(500 * time.Millisecond)) {
		t.Error("admission before burst window reset should be denied")
	}
	if !tr.AllowAt(base.Add(time.Second)) {
		t.Error("admission after burst window reset should succeed")
	}
}

func TestTrackerMinuteBudget(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerMinute: 5})

	for i := 0; i < 5; i++ {
		if !tr.AllowAt(base.Add(time.Duration(i) * 2 * time.Second)) {
			t.Fatalf("admission %d unexpectedly denied", i+1)
		}
	}
	if tr.AllowAt(base.Add(30 * time.Second)) {
		t.Error("6th admission inside the rolling minute should be denied")
	}

	// The oldest admission leaves the rolling window one minute after it
	// happened, freeing exactly one slot.
	if !tr.AllowAt(base.Add(61 * time.Second)) {
		t.Error("admission after oldest leaves the window should succeed")
	}
	if tr.AllowAt(base.Add(61 * time.Second)) {
		t.Error("window should be full again after the freed slot is used")
	}
}

func TestTrackerHourBudget(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerHour: 3})

	admitN(t, tr, base, 1)
	admitN(t, tr, base.Add(10*time.Minute), 1)
	admitN(t, tr, base.Add(20*time.Minute), 1)

	if tr.AllowAt(base.Add(30 * time.Minute)) {
		t.Error("4th admission inside the rolling hour should be denied")
	}
	if !tr.AllowAt(base.Add(61 * time.Minute)) {
		t.Error("admission after oldest leaves the hour window should succeed")
	}
}

func TestTrackerDayBudget(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerDay: 2})

	admitN(t, tr, base, 2)
	if tr.AllowAt(base.Add(5 * time.Hour)) {
		t.Error("3rd admission on the same UTC day should be denied")
	}

	nextDay := time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC)
	if !tr.AllowAt(nextDay) {
		t.Error("admission after UTC midnight should succeed")
	}
}

func TestTrackerDisabledBudgets(t *testing.T) {
	tr := NewTracker("test", Config{})

	for i := 0; i < 500; i++ {
		if !tr.AllowAt(base) {
			t.Fatalf("admission %d denied with all budgets disabled", i+1)
		}
	}
}

func TestTrackerBurstDeniesBeforeMinute(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerMinute: 100, Burst: 2})

	admitN(t, tr, base, 2)
	if tr.AllowAt(base) {
		t.Error("burst budget should deny even though minute budget has room")
	}
	// Spread admissions across burst windows until the minute budget hits.
	now := base
	for i := 0; i < 98; i++ {
		now = now.Add(time.Second)
		if !tr.AllowAt(now) {
			t.Fatalf("admission %d unexpectedly denied", i+3)
		}
	}
	if tr.AllowAt(now.Add(time.Second)) {
		t.Error("minute budget should deny after 100 admissions")
	}
}

func TestNextAllowedAt(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerMinute: 2})

	if got := tr.NextAllowedAt(base); !got.Equal(base) {
		t.Errorf("NextAllowedAt with room = %v, want %v", got, base)
	}

	admitN(t, tr, base, 1)
	admitN(t, tr, base.Add(10*time.Second), 1)

	now := base.Add(20 * time.Second)
	want := base.Add(time.Minute)
	if got := tr.NextAllowedAt(now); !got.Equal(want) {
		t.Errorf("NextAllowedAt with full minute = %v, want %v", got, want)
	}
}

func TestNextAllowedAtBurst(t *testing.T) {
	tr := NewTracker("test", Config{Burst: 1})

	admitN(t, tr, base, 1)
	want := base.Add(time.Second)
	if got := tr.NextAllowedAt(base.Add(200 * time.Millisecond)); !got.Equal(want) {
		t.Errorf("NextAllowedAt with full burst = %v, want %v", got, want)
	}
}

func TestTrackerStatus(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerMinute: 10, RequestsPerHour: 100, RequestsPerDay: 1000, Burst: 5})

	admitN(t, tr, base, 3)
	st := tr.StatusAt(base.Add(10 * time.Second))

	if st.Provider != "test" {
		t.Errorf("Provider = %q, want %q", st.Provider, "test")
	}
	if st.MinuteUsed != 3 || st.MinuteLimit != 10 {
		t.Errorf("minute = %d/%d, want 3/10", st.MinuteUsed, st.MinuteLimit)
	}
	if st.HourUsed != 3 || st.HourLimit != 100 {
		t.Errorf("hour = %d/%d, want 3/100", st.HourUsed, st.HourLimit)
	}
	if st.DayUsed != 3 || st.DayLimit != 1000 {
		t.Errorf("day = %d/%d, want 3/1000", st.DayUsed, st.DayLimit)
	}
	// Burst window has already expired 10s after the admissions.
	if st.BurstUsed != 0 {
		t.Errorf("BurstUsed = %d, want 0 after burst window reset", st.BurstUsed)
	}
	if want := 50 * time.Second; st.MinuteResetIn != want {
		t.Errorf("MinuteResetIn = %v, want %v", st.MinuteResetIn, want)
	}
	if st.Exhausted() {
		t.Error("Exhausted() = true with room in every budget")
	}
	if got := st.Remaining(); got != 7 {
		t.Errorf("Remaining() = %d, want 7", got)
	}
}

func TestTrackerStatusExhausted(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerMinute: 2})

	admitN(t, tr, base, 2)
	st := tr.StatusAt(base)
	if !st.Exhausted() {
		t.Error("Exhausted() = false with minute budget full")
	}
	if got := st.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
}

func TestTrackerWaitContextCancelled(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerMinute: 1})
	if !tr.Allow() {
		t.Fatal("first admission denied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tr.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait() = %v, want context.DeadlineExceeded", err)
	}
}

func TestTrackerWaitAdmitsAfterReset(t *testing.T) {
	tr := NewTracker("test", Config{Burst: 1})
	if !tr.Allow() {
		t.Fatal("first admission denied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	if waited := time.Since(start); waited < 500*time.Millisecond {
		t.Errorf("Wait returned after %v, expected to block until burst reset", waited)
	}
}

func TestTrackerConcurrentAllow(t *testing.T) {
	tr := NewTracker("test", Config{RequestsPerMinute: 50})

	admitted := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			admitted <- tr.Allow()
		}()
	}

	count := 0
	for i := 0; i < 100; i++ {
		if <-admitted {
			count++
		}
	}
	if count != 50 {
		t.Errorf("admitted %d of 100 concurrent requests, want exactly 50", count)
	}
}
