// Package client builds resilient per-provider HTTP clients with shared
// rate-limit admission, proxy-pool egress and retry with exponential
// backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/veloxdata/outbound/pkg/proxypool"
	"github.com/veloxdata/outbound/pkg/ratelimit"
)

// Prometheus metrics for outbound client operations.
var (
	clientRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_client_requests_total",
		Help: "Total provider requests by provider and status",
	}, []string{"provider", "status"})

	clientRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbound_client_request_duration_seconds",
		Help:    "Provider request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	clientErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_client_errors_total",
		Help: "Total provider errors by provider and class",
	}, []string{"provider", "class"})

	clientRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_client_retries_total",
		Help: "Total retry attempts by provider and error class",
	}, []string{"provider", "class"})

	clientRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_client_retry_exhausted_total",
		Help: "Total calls that exhausted their retry budget by provider",
	}, []string{"provider"})
)

// Options configures one named provider client.
type Options struct {
	// BaseURL is the provider root, e.g. "https://api.example.com".
	BaseURL string

	// Timeout bounds each attempt including the body read.
	Timeout time.Duration

	// UseProxy routes calls through the proxy pool when one is healthy.
	UseProxy bool

	// Retry is the per-call retry policy. Zero fields take defaults.
	Retry RetryConfig

	// RateLimit overrides the shared registry defaults for this
	// provider. The zero value keeps the registry defaults.
	RateLimit ratelimit.Config

	// HealthPath is probed by Factory.HealthCheck. Defaults to "/".
	HealthPath string

	// Headers are set on every request, e.g. auth tokens.
	Headers map[string]string

	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// Response is a fully read provider response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client is a resilient HTTP client bound to one provider. Create
// instances through the Factory.
type Client struct {
	name    string
	opts    Options
	tracker *ratelimit.Tracker
	pool    *proxypool.Manager
	direct  *http.Client
	logger  zerolog.Logger

	requests atomic.Uint64
	failures atomic.Uint64
}

// Name returns the canonical provider name.
func (c *Client) Name() string {
	return c.name
}

// Do performs method on path resolved against the provider's base URL.
// Each attempt waits for rate-limit admission before hitting the wire.
// HTTP statuses >= 400 surface as *UpstreamError; when the retry budget
// runs out the last error is returned unchanged.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	start := time.Now()
	defer func() {
		clientRequestDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= c.opts.Retry.MaxRetries; attempt++ {
		if err := c.tracker.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		resp, err := c.attempt(ctx, method, path, body)
		if err == nil {
			if attempt > 1 {
				c.logger.Info().
					Str("endpoint", path).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}
		if attempt >= c.opts.Retry.MaxRetries {
			break
		}

		delay := c.opts.Retry.delay(attempt)
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.RetryAfter > 0 {
			// The provider's own pacing wins over the computed backoff.
			delay = ue.RetryAfter
		}
		clientRetriesTotal.WithLabelValues(c.name, string(errClass(err))).Inc()
		c.logger.Debug().
			Str("endpoint", path).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying request after backoff")
		if err := sleepFor(ctx, delay); err != nil {
			return nil, err
		}
	}

	clientRetryExhaustedTotal.WithLabelValues(c.name).Inc()
	c.logger.Warn().
		Str("endpoint", path).
		Int("max_retries", c.opts.Retry.MaxRetries).
		Err(lastErr).
		Msg("Retry attempts exhausted")
	return nil, lastErr
}

// Get performs a GET request against the provider.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Execute performs exactly one attempt without admission control or
// retries. It is for callers that already hold an admission slot and
// schedule retries themselves, like the queue dispatcher; everyone else
// wants Do.
func (c *Client) Execute(ctx context.Context, method, path string, body []byte) (*Response, error) {
	start := time.Now()
	defer func() {
		clientRequestDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	}()
	return c.attempt(ctx, method, path, body)
}

// attempt performs one wire call and reports the proxy outcome.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte) (*Response, error) {
	httpClient, ep := c.transport()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		if ep != nil {
			c.pool.MarkFailure(ep)
		}
		c.failures.Add(1)
		clientErrorsTotal.WithLabelValues(c.name, string(ClassNetwork)).Inc()
		clientRequestsTotal.WithLabelValues(c.name, "network_error").Inc()
		return nil, &UpstreamError{
			Provider: c.name,
			Class:    ClassNetwork,
			Message:  "request failed",
			Err:      err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ep != nil {
			c.pool.MarkFailure(ep)
		}
		c.failures.Add(1)
		clientErrorsTotal.WithLabelValues(c.name, string(ClassNetwork)).Inc()
		clientRequestsTotal.WithLabelValues(c.name, "read_error").Inc()
		return nil, &UpstreamError{
			Provider: c.name,
			Class:    ClassNetwork,
			Message:  "read response body",
			Err:      err,
		}
	}

	// The egress path delivered a response; upstream status is not the
	// proxy's fault.
	if ep != nil {
		c.pool.MarkSuccess(ep, time.Since(start))
	}

	if resp.StatusCode >= 400 {
		c.failures.Add(1)
		class := classify(resp.StatusCode)
		uerr := &UpstreamError{
			Provider:   c.name,
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    resp.Status,
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				uerr.RetryAfter = d
			}
		}
		clientErrorsTotal.WithLabelValues(c.name, string(class)).Inc()
		clientRequestsTotal.WithLabelValues(c.name, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		c.logger.Warn().
			Str("endpoint", path).
			Int("status", resp.StatusCode).
			Str("class", string(class)).
			Msg("Provider request error")
		return nil, uerr
	}

	c.requests.Add(1)
	clientRequestsTotal.WithLabelValues(c.name, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

// transport selects the egress path for one attempt. Proxy-enabled
// clients fall back to a direct connection when the pool has no healthy
// endpoint.
func (c *Client) transport() (*http.Client, *proxypool.Endpoint) {
	if !c.opts.UseProxy || c.pool == nil {
		return c.direct, nil
	}
	t, ep, ok := c.pool.Transport()
	if !ok {
		c.logger.Warn().Msg("No healthy proxy endpoint, connecting directly")
		return c.direct, nil
	}
	return &http.Client{Transport: t, Timeout: c.opts.Timeout}, ep
}

// probe issues one request to the health path, bypassing admission
// control so checks never burn provider budget.
func (c *Client) probe(ctx context.Context) (time.Duration, error) {
	httpClient, ep := c.transport()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+c.opts.HealthPath, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		if ep != nil {
			c.pool.MarkFailure(ep)
		}
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if ep != nil {
		c.pool.MarkSuccess(ep, time.Since(start))
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("health probe: unexpected status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}
