package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veloxdata/outbound/pkg/logging"
	"github.com/veloxdata/outbound/pkg/proxypool"
	"github.com/veloxdata/outbound/pkg/ratelimit"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultHealthPath = "/"
	defaultUserAgent  = "veloxdata-outbound/1.0"
)

// Health is one provider's probe outcome.
type Health struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// ClientStats counts one client's direct-call outcomes.
type ClientStats struct {
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
}

// Factory builds and tracks the per-provider clients. It shares one
// ratelimit.Registry with the request queue so both paths make
// identical admission decisions for a provider.
type Factory struct {
	mu      sync.Mutex
	clients map[string]*Client
	limits  *ratelimit.Registry
	pool    *proxypool.Manager
	logger  zerolog.Logger
	closed  bool
}

// NewFactory creates a factory. The pool may be nil when no proxy
// egress is configured; proxy-enabled clients then connect directly.
func NewFactory(limits *ratelimit.Registry, pool *proxypool.Manager) *Factory {
	if limits == nil {
		limits = ratelimit.NewRegistry(ratelimit.DefaultConfig())
	}
	return &Factory{
		clients: make(map[string]*Client),
		limits:  limits,
		pool:    pool,
		logger:  logging.NewLogger("client-factory"),
	}
}

// Create registers a client for the named provider. Provider rate-limit
// overrides must arrive here, before the shared tracker is first used.
func (f *Factory) Create(name string, opts Options) (*Client, error) {
	provider := ratelimit.CanonicalProvider(name)
	if provider == "" {
		return nil, fmt.Errorf("provider name required")
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid base URL %q for provider %s", opts.BaseURL, provider)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HealthPath == "" {
		opts.HealthPath = defaultHealthPath
	}
	if !strings.HasPrefix(opts.HealthPath, "/") {
		opts.HealthPath = "/" + opts.HealthPath
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	opts.Retry = opts.Retry.normalized()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryClosed
	}
	if _, exists := f.clients[provider]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, provider)
	}

	if opts.RateLimit != (ratelimit.Config{}) {
		f.limits.Configure(provider, opts.RateLimit)
	}

	c := &Client{
		name:    provider,
		opts:    opts,
		tracker: f.limits.Get(provider),
		pool:    f.pool,
		direct:  &http.Client{Timeout: opts.Timeout},
		logger:  logging.NewLogger("client").With().Str("provider", provider).Logger(),
	}
	f.clients[provider] = c

	f.logger.Info().
		Str("provider", provider).
		Str("base_url", opts.BaseURL).
		Bool("use_proxy", opts.UseProxy).
		Int("max_retries", opts.Retry.MaxRetries).
		Msg("Client registered")
	return c, nil
}

// Get returns the registered client for the provider.
func (f *Factory) Get(name string) (*Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[ratelimit.CanonicalProvider(name)]
	return c, ok
}

// HealthCheck probes every registered client concurrently. Probes
// bypass rate-limit admission.
func (f *Factory) HealthCheck(ctx context.Context) map[string]Health {
	f.mu.Lock()
	clients := make([]*Client, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	out := make(map[string]Health, len(clients))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()

			var h Health
			latency, err := c.probe(probeCtx)
			if err != nil {
				h = Health{Healthy: false, Error: err.Error()}
			} else {
				h = Health{Healthy: true, Latency: latency}
			}

			mu.Lock()
			out[c.name] = h
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return out
}

// RateLimitStatus reports the admission budgets of every registered
// provider.
func (f *Factory) RateLimitStatus() map[string]ratelimit.Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]ratelimit.Status, len(f.clients))
	for name, c := range f.clients {
		out[name] = c.tracker.Status()
	}
	return out
}

// Stats reports per-client request counters.
func (f *Factory) Stats() map[string]ClientStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]ClientStats, len(f.clients))
	for name, c := range f.clients {
		out[name] = ClientStats{
			Requests: c.requests.Load(),
			Failures: c.failures.Load(),
		}
	}
	return out
}

// Close drops all registrations. Clients already handed out keep
// working; further Create and Get calls fail. It is idempotent.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	n := len(f.clients)
	f.clients = make(map[string]*Client)
	f.logger.Info().Int("clients", n).Msg("Client factory closed")
}
