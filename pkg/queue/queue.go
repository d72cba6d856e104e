// Package queue implements a per-provider priority queue with rate-limit
// admission control, retry with exponential backoff and independent
// per-request timeouts. Admitted work is handed to the transport layer
// over a bounded channel of Execution values; the transport reports
// outcomes back via Complete and Fail.
package queue

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/veloxdata/outbound/pkg/logging"
	"github.com/veloxdata/outbound/pkg/ratelimit"
)

// Prometheus metrics for queue operations.
var (
	queueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_queue_enqueued_total",
		Help: "Total requests enqueued by provider and priority",
	}, []string{"provider", "priority"})

	queueDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_queue_dispatched_total",
		Help: "Total executions handed to the transport by provider",
	}, []string{"provider"})

	queueCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_queue_completed_total",
		Help: "Total requests completed successfully by provider",
	}, []string{"provider"})

	queueFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_queue_failed_total",
		Help: "Total requests rejected by provider and reason",
	}, []string{"provider", "reason"}) // "exhausted", "timeout", "cleared", "shutdown"

	queueRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_queue_retries_total",
		Help: "Total retry reschedules by provider",
	}, []string{"provider"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbound_queue_depth",
		Help: "Requests currently waiting in queue by provider",
	}, []string{"provider"})

	queueWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbound_queue_wait_seconds",
		Help:    "Time from enqueue to dispatch by provider",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"provider"})
)

var (
	// ErrQueueClosed rejects work during and after shutdown.
	ErrQueueClosed = errors.New("request queue closed")

	// ErrRequestTimeout rejects a request whose timeout elapsed before
	// completion, independent of its remaining retry budget.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrQueueCleared rejects requests dropped by an explicit Clear.
	ErrQueueCleared = errors.New("request cleared from queue")

	// ErrNoProvider rejects enqueues without a provider name.
	ErrNoProvider = errors.New("provider name required")
)

// Config holds the queue configuration.
type Config struct {
	// Tick is the scheduler interval.
	Tick time.Duration

	// ExecutionBuffer is the capacity of the executions channel.
	ExecutionBuffer int

	// DefaultMaxRetries applies when Options.MaxRetries is zero.
	DefaultMaxRetries int

	// BaseDelay is the first retry delay.
	BaseDelay time.Duration

	// MaxDelay caps the computed retry delay.
	MaxDelay time.Duration

	// BackoffMultiplier grows the delay per retry.
	BackoffMultiplier float64
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Tick:              100 * time.Millisecond,
		ExecutionBuffer:   64,
		DefaultMaxRetries: 3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Queue is the admission-controlled request queue. One scheduler
// goroutine owns dispatch; all other methods are safe for concurrent
// use.
type Queue struct {
	cfg    Config
	limits *ratelimit.Registry
	logger zerolog.Logger

	mu       sync.Mutex
	queues   map[string][]*request
	inflight map[string]*request
	byID     map[string]*request
	paused   map[string]bool
	stats    map[string]*providerStats
	seq      uint64
	closed   bool

	executions chan *Execution
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// New creates a queue sharing the given rate-limit registry with every
// other admission point, and starts its scheduler. Callers own the
// returned queue and must Close it.
func New(cfg Config, limits *ratelimit.Registry) *Queue {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.ExecutionBuffer <= 0 {
		cfg.ExecutionBuffer = def.ExecutionBuffer
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if limits == nil {
		limits = ratelimit.NewRegistry(ratelimit.DefaultConfig())
	}

	q := &Queue{
		cfg:        cfg,
		limits:     limits,
		logger:     logging.NewLogger("queue"),
		queues:     make(map[string][]*request),
		inflight:   make(map[string]*request),
		byID:       make(map[string]*request),
		paused:     make(map[string]bool),
		stats:      make(map[string]*providerStats),
		executions: make(chan *Execution, cfg.ExecutionBuffer),
		stopChan:   make(chan struct{}),
	}

	q.wg.Add(1)
	go q.run()
	return q
}

// Executions returns the channel of admitted work. The consumer must
// call Complete or Fail with each execution's ID. The channel closes
// after Close has rejected all outstanding requests.
func (q *Queue) Executions() <-chan *Execution {
	return q.executions
}

// Enqueue queues a request for the provider and returns its future.
func (q *Queue) Enqueue(provider, endpoint string, opts Options) (*Pending, error) {
	name := ratelimit.CanonicalProvider(provider)
	if name == "" {
		return nil, ErrNoProvider
	}

	priority := opts.Priority
	if priority == 0 {
		priority = PriorityMedium
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.DefaultMaxRetries
	}

	params := make(map[string]string, len(opts.Params))
	for k, v := range opts.Params {
		params[k] = v
	}

	now := time.Now()
	req := &request{
		id:          uuid.NewString(),
		provider:    name,
		endpoint:    endpoint,
		params:      params,
		priority:    priority,
		maxRetries:  maxRetries,
		createdAt:   now,
		scheduledAt: now,
		timeout:     opts.Timeout,
	}
	req.pending = newPending(req.id)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.seq++
	req.seq = q.seq
	q.queues[name] = append(q.queues[name], req)
	q.byID[req.id] = req
	q.statsLocked(name).enqueued++
	depth := len(q.queues[name])

	if opts.Timeout > 0 {
		id := req.id
		req.timer = time.AfterFunc(opts.Timeout, func() { q.timeoutRequest(id) })
	}
	q.mu.Unlock()

	queueEnqueuedTotal.WithLabelValues(name, priority.String()).Inc()
	queueDepth.WithLabelValues(name).Set(float64(depth))
	q.logger.Debug().
		Str("request_id", req.id).
		Str("provider", name).
		Str("endpoint", endpoint).
		Str("priority", priority.String()).
		Msg("Request enqueued")
	return req.pending, nil
}

// run drives dispatch on a fixed tick until Close.
func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopChan:
			return
		case <-ticker.C:
			q.dispatchDue(time.Now())
		}
	}
}

// dispatchDue pops at most one admitted request per provider and hands
// the executions to the transport channel.
func (q *Queue) dispatchDue(now time.Time) {
	q.mu.Lock()
	providers := make([]string, 0, len(q.queues))
	for name := range q.queues {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	var batch []*Execution
	for _, name := range providers {
		if q.paused[name] || len(q.queues[name]) == 0 {
			continue
		}

		reqs := q.queues[name]
		sortRequests(reqs)

		// First request in priority order whose backoff has elapsed.
		idx := -1
		for i, r := range reqs {
			if !r.scheduledAt.After(now) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		// Admission is checked only once an eligible request exists so
		// denied budget is never burned on an empty pop.
		if !q.limits.Get(name).AllowAt(now) {
			continue
		}

		req := reqs[idx]
		q.queues[name] = append(reqs[:idx], reqs[idx+1:]...)
		req.executedAt = now
		q.inflight[req.id] = req
		batch = append(batch, req.execution())

		st := q.statsLocked(name)
		st.dispatched++
		st.totalWait += now.Sub(req.createdAt)

		queueDispatchedTotal.WithLabelValues(name).Inc()
		queueDepth.WithLabelValues(name).Set(float64(len(q.queues[name])))
		queueWaitSeconds.WithLabelValues(name).Observe(now.Sub(req.createdAt).Seconds())
	}
	q.mu.Unlock()

	for _, ex := range batch {
		select {
		case q.executions <- ex:
		case <-q.stopChan:
			// Shutdown while publishing; the requests stay in flight
			// and Close rejects them.
			return
		}
	}
}

// sortRequests orders by priority descending, then enqueue order.
func sortRequests(reqs []*request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].priority != reqs[j].priority {
			return reqs[i].priority > reqs[j].priority
		}
		return reqs[i].seq < reqs[j].seq
	})
}

// Complete resolves an in-flight request's future with the result.
// Unknown ids are a no-op.
func (q *Queue) Complete(id string, result *Result) {
	q.mu.Lock()
	req, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.removeInflightLocked(req)

	now := time.Now()
	st := q.statsLocked(req.provider)
	st.completed++
	st.totalProcessing += now.Sub(req.executedAt)
	q.mu.Unlock()

	queueCompletedTotal.WithLabelValues(req.provider).Inc()
	req.pending.complete(result)
}

// Fail records a failed execution. Requests with retry budget left are
// rescheduled with exponential backoff; otherwise the future rejects
// with the triggering error. Unknown ids are a no-op.
func (q *Queue) Fail(id string, cause error) {
	q.mu.Lock()
	req, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, id)

	req.retryCount++
	if req.retryCount < req.maxRetries {
		delay := q.retryDelay(req.retryCount)
		req.scheduledAt = time.Now().Add(delay)
		q.queues[req.provider] = append(q.queues[req.provider], req)
		q.statsLocked(req.provider).retries++
		q.mu.Unlock()

		queueRetriesTotal.WithLabelValues(req.provider).Inc()
		q.logger.Debug().
			Str("request_id", id).
			Str("provider", req.provider).
			Int("retry", req.retryCount).
			Dur("delay", delay).
			Err(cause).
			Msg("Request rescheduled")
		return
	}

	delete(q.byID, id)
	req.stopTimer()
	q.statsLocked(req.provider).failed++
	q.mu.Unlock()

	queueFailedTotal.WithLabelValues(req.provider, "exhausted").Inc()
	q.logger.Warn().
		Str("request_id", id).
		Str("provider", req.provider).
		Int("retries", req.retryCount).
		Err(cause).
		Msg("Retry budget exhausted")
	req.pending.fail(cause)
}

// retryDelay computes min(BaseDelay * Multiplier^(retry-1), MaxDelay).
func (q *Queue) retryDelay(retry int) time.Duration {
	d := time.Duration(float64(q.cfg.BaseDelay) * math.Pow(q.cfg.BackoffMultiplier, float64(retry-1)))
	if d > q.cfg.MaxDelay || d <= 0 {
		return q.cfg.MaxDelay
	}
	return d
}

// timeoutRequest cancels a request wherever it currently lives.
func (q *Queue) timeoutRequest(id string) {
	q.mu.Lock()
	req, ok := q.byID[id]
	if !ok || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.byID, id)
	if _, inFlight := q.inflight[id]; inFlight {
		delete(q.inflight, id)
	} else {
		q.removeQueuedLocked(req)
	}
	q.statsLocked(req.provider).timeouts++
	q.mu.Unlock()

	queueFailedTotal.WithLabelValues(req.provider, "timeout").Inc()
	q.logger.Debug().
		Str("request_id", id).
		Str("provider", req.provider).
		Dur("timeout", req.timeout).
		Msg("Request timed out")
	req.pending.fail(fmt.Errorf("%w after %v", ErrRequestTimeout, req.timeout))
}

// Clear drops every queued request for the provider, rejecting their
// futures, and returns how many were dropped. In-flight requests are
// unaffected.
func (q *Queue) Clear(provider string) int {
	name := ratelimit.CanonicalProvider(provider)

	q.mu.Lock()
	reqs := q.queues[name]
	delete(q.queues, name)
	for _, req := range reqs {
		delete(q.byID, req.id)
		req.stopTimer()
	}
	q.mu.Unlock()

	for _, req := range reqs {
		queueFailedTotal.WithLabelValues(name, "cleared").Inc()
		req.pending.fail(ErrQueueCleared)
	}
	queueDepth.WithLabelValues(name).Set(0)
	if len(reqs) > 0 {
		q.logger.Info().Str("provider", name).Int("cleared", len(reqs)).Msg("Queue cleared")
	}
	return len(reqs)
}

// Pause stops dispatch for the provider; queued and newly enqueued
// requests wait until Resume.
func (q *Queue) Pause(provider string) {
	name := ratelimit.CanonicalProvider(provider)
	q.mu.Lock()
	q.paused[name] = true
	q.mu.Unlock()
	q.logger.Info().Str("provider", name).Msg("Queue paused")
}

// Resume re-enables dispatch for the provider.
func (q *Queue) Resume(provider string) {
	name := ratelimit.CanonicalProvider(provider)
	q.mu.Lock()
	delete(q.paused, name)
	q.mu.Unlock()
	q.logger.Info().Str("provider", name).Msg("Queue resumed")
}

// Close stops the scheduler, rejects every pending and in-flight
// request with ErrQueueClosed, clears all internal state and closes the
// executions channel. It is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopChan)
	q.wg.Wait()

	q.mu.Lock()
	outstanding := make([]*request, 0, len(q.byID))
	for _, req := range q.byID {
		outstanding = append(outstanding, req)
		req.stopTimer()
	}
	q.queues = make(map[string][]*request)
	q.inflight = make(map[string]*request)
	q.byID = make(map[string]*request)
	q.paused = make(map[string]bool)
	q.stats = make(map[string]*providerStats)
	q.mu.Unlock()

	for _, req := range outstanding {
		queueFailedTotal.WithLabelValues(req.provider, "shutdown").Inc()
		req.pending.fail(ErrQueueClosed)
	}
	close(q.executions)

	q.logger.Info().Int("rejected", len(outstanding)).Msg("Request queue closed")
}

// removeInflightLocked drops a finished request from all maps and stops
// its timeout timer. Callers must hold q.mu.
func (q *Queue) removeInflightLocked(req *request) {
	delete(q.inflight, req.id)
	delete(q.byID, req.id)
	req.stopTimer()
}

// removeQueuedLocked removes a request from its provider's queue slice.
// Callers must hold q.mu.
func (q *Queue) removeQueuedLocked(req *request) {
	reqs := q.queues[req.provider]
	for i, r := range reqs {
		if r.id == req.id {
			q.queues[req.provider] = append(reqs[:i], reqs[i+1:]...)
			return
		}
	}
}

func (r *request) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
	}
}
