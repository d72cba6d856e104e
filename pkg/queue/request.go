package queue

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Priority orders requests within one provider's queue. Higher values
// dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// String returns the priority label used in logs and metrics.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Options carries per-request enqueue options.
type Options struct {
	// Priority defaults to PriorityMedium when unset.
	Priority Priority

	// Params are forwarded untouched to the executing transport.
	Params map[string]string

	// MaxRetries overrides the queue default when positive.
	MaxRetries int

	// Timeout cancels the request after the given duration regardless
	// of queue position, execution state or remaining retry budget.
	// Zero means no timeout.
	Timeout time.Duration
}

// Result is what the executing transport reports back on completion.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Execution is the unit of work handed to the transport over the
// executions channel. The consumer must call Complete or Fail with the
// same ID exactly once.
type Execution struct {
	ID         string
	Provider   string
	Endpoint   string
	Params     map[string]string
	Priority   Priority
	Attempt    int
	EnqueuedAt time.Time
}

// request is the queue's internal bookkeeping for one enqueued call.
type request struct {
	id       string
	provider string
	endpoint string
	params   map[string]string
	priority Priority

	retryCount int
	maxRetries int

	seq         uint64
	createdAt   time.Time
	scheduledAt time.Time
	executedAt  time.Time

	timeout time.Duration
	timer   *time.Timer

	pending *Pending
}

func (r *request) execution() *Execution {
	return &Execution{
		ID:         r.id,
		Provider:   r.provider,
		Endpoint:   r.endpoint,
		Params:     r.params,
		Priority:   r.priority,
		Attempt:    r.retryCount + 1,
		EnqueuedAt: r.createdAt,
	}
}

// Pending is the future returned by Enqueue. It resolves exactly once,
// with either a Result or an error.
type Pending struct {
	id string

	mu       sync.Mutex
	resolved bool
	result   *Result
	err      error
	done     chan struct{}
}

func newPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

// ID returns the queued request's id.
func (p *Pending) ID() string { return p.id }

// Done is closed once the request has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request resolves or the caller's context is
// done. A context cancellation abandons the wait but does not remove
// the request from the queue; use Options.Timeout for that.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.result, p.err
	}
}

func (p *Pending) complete(result *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.resolved = true
	p.result = result
	close(p.done)
}

func (p *Pending) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.resolved = true
	p.err = err
	close(p.done)
}
