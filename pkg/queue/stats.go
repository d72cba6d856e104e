package queue

import (
	"time"

	"github.com/veloxdata/outbound/pkg/ratelimit"
)

// Stats is a point-in-time snapshot of one provider's queue.
type Stats struct {
	Provider        string  `json:"provider"`
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Enqueued        uint64  `json:"enqueued"`
	Completed       uint64  `json:"completed"`
	Failed          uint64  `json:"failed"`
	Retries         uint64  `json:"retries"`
	Timeouts        uint64  `json:"timeouts"`
	AvgWaitMS       float64 `json:"avg_wait_ms"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
}

// providerStats accumulates per-provider counters. Guarded by Queue.mu.
type providerStats struct {
	enqueued   uint64
	dispatched uint64
	completed  uint64
	failed     uint64
	retries    uint64
	timeouts   uint64

	totalWait       time.Duration
	totalProcessing time.Duration
}

// statsLocked returns the provider's accumulator, creating it on first
// use. Callers must hold q.mu.
func (q *Queue) statsLocked(name string) *providerStats {
	st, ok := q.stats[name]
	if !ok {
		st = &providerStats{}
		q.stats[name] = st
	}
	return st
}

// Stats reports per-provider queue statistics. With no arguments it
// covers every provider the queue has seen.
func (q *Queue) Stats(provider ...string) map[string]Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := provider
	if len(names) == 0 {
		names = make([]string, 0, len(q.stats))
		for name := range q.stats {
			names = append(names, name)
		}
	}

	out := make(map[string]Stats, len(names))
	for _, raw := range names {
		name := ratelimit.CanonicalProvider(raw)
		st := q.statsLocked(name)

		processing := 0
		for _, req := range q.inflight {
			if req.provider == name {
				processing++
			}
		}

		s := Stats{
			Provider:   name,
			Pending:    len(q.queues[name]),
			Processing: processing,
			Enqueued:   st.enqueued,
			Completed:  st.completed,
			Failed:     st.failed,
			Retries:    st.retries,
			Timeouts:   st.timeouts,
		}
		if st.dispatched > 0 {
			s.AvgWaitMS = float64(st.totalWait.Milliseconds()) / float64(st.dispatched)
		}
		if st.completed > 0 {
			s.AvgProcessingMS = float64(st.totalProcessing.Milliseconds()) / float64(st.completed)
		}
		out[name] = s
	}
	return out
}

// RateLimitStatus reports the shared admission budgets per provider.
func (q *Queue) RateLimitStatus(provider ...string) map[string]ratelimit.Status {
	if len(provider) == 0 {
		return q.limits.Status()
	}
	out := make(map[string]ratelimit.Status, len(provider))
	for _, raw := range provider {
		st := q.limits.Get(raw).Status()
		out[st.Provider] = st
	}
	return out
}
