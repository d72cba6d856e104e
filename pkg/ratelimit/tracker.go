package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/veloxdata/outbound/pkg/logging"
)

// Prometheus metrics for admission control.
var (
	admittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_ratelimit_admitted_total",
		Help: "Total requests admitted by the rate limiter, by provider",
	}, []string{"provider"})

	deniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_ratelimit_denied_total",
		Help: "Total admission denials by provider and exhausted budget",
	}, []string{"provider", "budget"})

	waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbound_ratelimit_wait_seconds",
		Help:    "Time spent blocked waiting for an admission slot, by provider",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"provider"})
)

// budget names used in denial metrics.
const (
	budgetBurst  = "burst"
	budgetMinute = "minute"
	budgetHour   = "hour"
	budgetDay    = "day"
)

// minWaitPoll bounds how tightly Wait polls when a reset is imminent.
const minWaitPoll = 10 * time.Millisecond

// Tracker enforces one provider's admission budgets. All methods are safe
// for concurrent use; the scheduler, the dispatcher workers and direct
// client calls all consult the same instance.
type Tracker struct {
	mu       sync.Mutex
	provider string
	cfg      Config

	// window holds the admission timestamps of the last hour, oldest first.
	window []time.Time

	// burst window: a fixed 1s window opened by its first admission.
	burstCount int
	burstReset time.Time

	// day budget: UTC calendar day.
	dayCount int
	dayStart time.Time

	logger zerolog.Logger
}

// NewTracker creates a tracker for the given provider with the given budgets.
func NewTracker(provider string, cfg Config) *Tracker {
	return &Tracker{
		provider: provider,
		cfg:      cfg,
		logger:   logging.NewLogger("ratelimit").With().Str("provider", provider).Logger(),
	}
}

// Allow attempts to admit one request now. It returns false without side
// effects when any enabled budget is exhausted; on admission it records
// the request against every budget.
func (t *Tracker) Allow() bool {
	return t.AllowAt(time.Now())
}

// AllowAt is Allow with an explicit clock, used by tests and by the queue
// scheduler which stamps one instant per tick.
func (t *Tracker) AllowAt(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.advance(now)

	if budget := t.exceededBudget(now); budget != "" {
		deniedTotal.WithLabelValues(t.provider, budget).Inc()
		t.logger.Debug().Str("budget", budget).Msg("Admission denied")
		return false
	}

	t.window = append(t.window, now)
	if t.burstCount == 0 {
		t.burstReset = now.Add(time.Second)
	}
	t.burstCount++
	t.dayCount++
	admittedTotal.WithLabelValues(t.provider).Inc()
	return true
}

// Wait blocks until a request is admitted or the context is done.
func (t *Tracker) Wait(ctx context.Context) error {
	start := time.Now()
	for {
		if t.Allow() {
			if waited := time.Since(start); waited > minWaitPoll {
				waitSeconds.WithLabelValues(t.provider).Observe(waited.Seconds())
				t.logger.Debug().Dur("waited", waited).Msg("Admitted after rate-limit wait")
			}
			return nil
		}

		delay := time.Until(t.NextAllowedAt(time.Now()))
		if delay < minWaitPoll {
			delay = minWaitPoll
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// NextAllowedAt returns the earliest instant at which an admission could
// succeed, given the state at now. Returns now when nothing is exhausted.
func (t *Tracker) NextAllowedAt(now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.advance(now)

	next := now
	if t.cfg.Burst > 0 && t.burstCount >= t.cfg.Burst && t.burstReset.After(next) {
		next = t.burstReset
	}
	if t.cfg.RequestsPerMinute > 0 {
		if oldest, n := t.minuteWindow(now); n >= t.cfg.RequestsPerMinute {
			if clear := oldest.Add(time.Minute); clear.After(next) {
				next = clear
			}
		}
	}
	if t.cfg.RequestsPerHour > 0 && len(t.window) >= t.cfg.RequestsPerHour {
		if clear := t.window[0].Add(time.Hour); clear.After(next) {
			next = clear
		}
	}
	if t.cfg.RequestsPerDay > 0 && t.dayCount >= t.cfg.RequestsPerDay {
		if clear := t.dayStart.AddDate(0, 0, 1); clear.After(next) {
			next = clear
		}
	}
	return next
}

// Status returns a snapshot of the tracker's budgets.
func (t *Tracker) Status() Status {
	return t.StatusAt(time.Now())
}

// StatusAt is Status with an explicit clock.
func (t *Tracker) StatusAt(now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.advance(now)

	st := Status{
		Provider:    t.provider,
		MinuteLimit: t.cfg.RequestsPerMinute,
		HourLimit:   t.cfg.RequestsPerHour,
		DayLimit:    t.cfg.RequestsPerDay,
		BurstLimit:  t.cfg.Burst,
		HourUsed:    len(t.window),
		DayUsed:     t.dayCount,
		BurstUsed:   t.burstCount,
	}

	oldestMinute, minuteUsed := t.minuteWindow(now)
	st.MinuteUsed = minuteUsed
	if minuteUsed > 0 {
		st.MinuteResetIn = oldestMinute.Add(time.Minute).Sub(now)
	}
	if len(t.window) > 0 {
		st.HourResetIn = t.window[0].Add(time.Hour).Sub(now)
	}
	if t.burstCount > 0 {
		if in := t.burstReset.Sub(now); in > 0 {
			st.BurstResetIn = in
		}
	}
	return st
}

// advance prunes the sliding window and rolls the burst and day windows.
// Callers must hold t.mu.
func (t *Tracker) advance(now time.Time) {
	cutoff := now.Add(-time.Hour)
	drop := 0
	for drop < len(t.window) && !t.window[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		t.window = append(t.window[:0], t.window[drop:]...)
	}

	if t.burstCount > 0 && !t.burstReset.After(now) {
		t.burstCount = 0
	}

	midnight := now.UTC().Truncate(24 * time.Hour)
	if !midnight.Equal(t.dayStart) {
		t.dayStart = midnight
		t.dayCount = 0
	}
}

// exceededBudget names the first exhausted budget, or "" when a request
// may be admitted. Callers must hold t.mu.
func (t *Tracker) exceededBudget(now time.Time) string {
	if t.cfg.Burst > 0 && t.burstCount >= t.cfg.Burst {
		return budgetBurst
	}
	if t.cfg.RequestsPerMinute > 0 {
		if _, n := t.minuteWindow(now); n >= t.cfg.RequestsPerMinute {
			return budgetMinute
		}
	}
	if t.cfg.RequestsPerHour > 0 && len(t.window) >= t.cfg.RequestsPerHour {
		return budgetHour
	}
	if t.cfg.RequestsPerDay > 0 && t.dayCount >= t.cfg.RequestsPerDay {
		return budgetDay
	}
	return ""
}

// minuteWindow returns the oldest timestamp within the rolling minute and
// how many admissions that window holds. Callers must hold t.mu.
func (t *Tracker) minuteWindow(now time.Time) (time.Time, int) {
	cutoff := now.Add(-time.Minute)
	for i, ts := range t.window {
		if ts.After(cutoff) {
			return ts, len(t.window) - i
		}
	}
	return time.Time{}, 0
}
