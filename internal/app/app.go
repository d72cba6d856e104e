// Package app wires the outbound components into one runnable unit:
// a shared rate-limit registry, the proxy pool, the tiered cache, the
// request queue and the client factory, plus the dispatch workers that
// carry admitted executions from the queue to the per-provider clients.
//
// Construction, activation and teardown are three separate steps. New
// only builds the object graph, Start launches the background loops,
// Stop tears everything down in dependency order. Stop is idempotent.
package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/veloxdata/outbound/pkg/cache"
	"github.com/veloxdata/outbound/pkg/client"
	"github.com/veloxdata/outbound/pkg/config"
	"github.com/veloxdata/outbound/pkg/logging"
	"github.com/veloxdata/outbound/pkg/proxypool"
	"github.com/veloxdata/outbound/pkg/queue"
	"github.com/veloxdata/outbound/pkg/ratelimit"
)

// App owns the lifecycle of every outbound component.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis   *redis.Client
	cache   *cache.TieredCache
	pool    *proxypool.Manager
	limits  *ratelimit.Registry
	queue   *queue.Queue
	factory *client.Factory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// Health aggregates per-subsystem health. Partial failure shows up in
// the flags and error strings, never as a failed call.
type Health struct {
	Cache     cache.Health             `json:"cache"`
	Providers map[string]client.Health `json:"providers"`
	Proxies   proxypool.Stats          `json:"proxies"`
}

// Stats aggregates per-subsystem counters for the stats endpoint.
type Stats struct {
	Queue      map[string]queue.Stats        `json:"queue"`
	RateLimits map[string]ratelimit.Status   `json:"rate_limits"`
	Clients    map[string]client.ClientStats `json:"clients"`
	Cache      cache.Stats                   `json:"cache"`
	Proxies    proxypool.Stats               `json:"proxies"`
}

// New builds the component graph from the configuration. The queue
// scheduler starts ticking immediately; everything that touches the
// network waits for Start.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})
	logger := logging.NewLogger("app")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	tiered := cache.New(redisClient, cache.Config{
		DefaultTTL:      cfg.Cache.DefaultTTL(),
		MaxLocalEntries: cfg.Cache.LocalMaxEntries,
		MaxValueBytes:   cfg.Cache.MaxValueBytes,
	})

	pool, err := proxypool.NewManager(proxypool.Config{
		Endpoints:           poolEndpoints(cfg.Proxy),
		RotationInterval:    cfg.Proxy.RotationInterval(),
		HealthCheckInterval: cfg.Proxy.HealthInterval(),
		ProbeURL:            cfg.Proxy.ProbeURL,
		ProbeTimeout:        cfg.Proxy.ProbeTimeout(),
		ProbeConcurrency:    cfg.Proxy.ProbeConcurrency,
	})
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("proxy pool: %w", err)
	}

	limits := ratelimit.NewRegistry(budgets(cfg.RateLimit))

	q := queue.New(queue.Config{
		Tick:              cfg.Queue.Tick(),
		ExecutionBuffer:   cfg.Queue.ExecutionBuffer,
		DefaultMaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:         cfg.Retry.BaseDelay(),
		MaxDelay:          cfg.Retry.MaxDelay(),
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}, limits)

	factory := client.NewFactory(limits, pool)
	for name, p := range cfg.Providers {
		_, err := factory.Create(name, client.Options{
			BaseURL:    p.BaseURL,
			Timeout:    p.Timeout(),
			UseProxy:   p.UseProxy,
			HealthPath: p.HealthPath,
			RateLimit:  budgets(p.RateLimit),
			Headers:    p.Headers,
			Retry: client.RetryConfig{
				MaxRetries:        cfg.Retry.MaxRetries,
				BaseDelay:         cfg.Retry.BaseDelay(),
				MaxDelay:          cfg.Retry.MaxDelay(),
				BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			},
		})
		if err != nil {
			q.Close()
			pool.Close()
			redisClient.Close()
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:     cfg,
		logger:  logger,
		redis:   redisClient,
		cache:   tiered,
		pool:    pool,
		limits:  limits,
		queue:   q,
		factory: factory,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the proxy pool schedulers and the dispatch workers.
// Calling Start twice, or after Stop, is a no-op.
func (a *App) Start() {
	a.mu.Lock()
	if a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	a.pool.Start()

	workers := a.cfg.Queue.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}

	a.logger.Info().
		Int("workers", workers).
		Int("providers", len(a.cfg.Providers)).
		Msg("Outbound layer started")
}

// worker consumes admitted executions and reports outcomes back to the
// queue. The queue already waited for rate-limit admission and owns the
// retry schedule on this path, so the worker performs exactly one wire
// attempt per execution.
func (a *App) worker() {
	defer a.wg.Done()

	for ex := range a.queue.Executions() {
		cl, ok := a.factory.Get(ex.Provider)
		if !ok {
			a.queue.Fail(ex.ID, fmt.Errorf("no client registered for provider %q", ex.Provider))
			continue
		}

		resp, err := cl.Execute(a.ctx, http.MethodGet, pathWithParams(ex.Endpoint, ex.Params), nil)
		if err != nil {
			a.queue.Fail(ex.ID, err)
			continue
		}
		a.queue.Complete(ex.ID, &queue.Result{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		})
	}
}

// Fetch enqueues a request for the provider and blocks until it
// completes, exhausts its retries, times out or the queue shuts down.
func (a *App) Fetch(ctx context.Context, provider, endpoint string, opts queue.Options) (*queue.Result, error) {
	pending, err := a.queue.Enqueue(provider, endpoint, opts)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// Health reports the health of every subsystem.
func (a *App) Health(ctx context.Context) Health {
	return Health{
		Cache:     a.cache.HealthCheck(ctx),
		Providers: a.factory.HealthCheck(ctx),
		Proxies:   a.pool.Stats(),
	}
}

// Stats reports the counters of every subsystem.
func (a *App) Stats(ctx context.Context) Stats {
	return Stats{
		Queue:      a.queue.Stats(),
		RateLimits: a.limits.Status(),
		Clients:    a.factory.Stats(),
		Cache:      a.cache.Stats(ctx),
		Proxies:    a.pool.Stats(),
	}
}

// Stop shuts the application down. The queue closes first so every
// outstanding request is rejected, then in-flight work is cancelled and
// the workers drain before the remaining components close.
func (a *App) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.queue.Close()
	a.cancel()
	a.wg.Wait()

	a.factory.Close()
	a.pool.Close()
	if err := a.redis.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Redis close failed")
	}
	a.logger.Info().Msg("Outbound layer stopped")
}

// Queue exposes the request queue for direct enqueue control.
func (a *App) Queue() *queue.Queue { return a.queue }

// Cache exposes the tiered response cache.
func (a *App) Cache() *cache.TieredCache { return a.cache }

// Factory exposes the client factory for ad-hoc, non-queued calls.
func (a *App) Factory() *client.Factory { return a.factory }

// Pool exposes the proxy pool manager.
func (a *App) Pool() *proxypool.Manager { return a.pool }

// pathWithParams appends the params as a query string in a stable
// order so identical requests produce identical URLs.
func pathWithParams(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return endpoint + "?" + values.Encode()
}

// poolEndpoints expands each configured proxy host across its port
// list; one pool endpoint per host:port pair.
func poolEndpoints(p config.Proxy) []*proxypool.Endpoint {
	var endpoints []*proxypool.Endpoint
	for _, ep := range p.Endpoints {
		for _, port := range ep.Ports {
			endpoints = append(endpoints, &proxypool.Endpoint{
				Scheme:   ep.Scheme,
				Host:     ep.Host,
				Port:     port,
				Username: ep.Username,
				Password: ep.Password,
				Country:  ep.Country,
			})
		}
	}
	return endpoints
}

func budgets(rl config.RateLimit) ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: rl.RequestsPerMinute,
		RequestsPerHour:   rl.RequestsPerHour,
		RequestsPerDay:    rl.RequestsPerDay,
		Burst:             rl.Burst,
	}
}
