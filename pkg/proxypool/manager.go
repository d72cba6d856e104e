// Package proxypool manages a pool of egress proxy endpoints with active
// health checking, timed rotation and failover. Selection operations
// return (nil, false) when no healthy endpoint exists so callers can fall
// back to direct connections.
package proxypool

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veloxdata/outbound/pkg/logging"
)

// healthFailureThreshold is the number of consecutive failures after
// which an endpoint is marked unhealthy. A single success restores it.
const healthFailureThreshold = 3

// Config holds the pool configuration.
type Config struct {
	// Endpoints is the initial pool. An empty pool is valid; every
	// selector then reports no proxy available.
	Endpoints []*Endpoint

	// RotationInterval is how often the current selection advances to
	// the next healthy endpoint.
	RotationInterval time.Duration

	// HealthCheckInterval is how often every endpoint is probed
	// through itself.
	HealthCheckInterval time.Duration

	// ProbeURL is the target the connectivity probe requests through
	// each endpoint.
	ProbeURL string

	// ProbeTimeout bounds a single connectivity probe.
	ProbeTimeout time.Duration

	// ProbeConcurrency bounds how many endpoints are probed at once.
	ProbeConcurrency int
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		RotationInterval:    5 * time.Minute,
		HealthCheckInterval: 60 * time.Second,
		ProbeURL:            "https://www.gstatic.com/generate_204",
		ProbeTimeout:        10 * time.Second,
		ProbeConcurrency:    5,
	}
}

// Manager owns the endpoint pool, the rotation pointer and the health
// check scheduler. All methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	current   int
	closed    bool

	cfg    Config
	logger zerolog.Logger

	rotationTicker *time.Ticker
	healthTicker   *time.Ticker
	stopChan       chan struct{}
	wg             sync.WaitGroup
	started        bool
}

// NewManager validates the configuration and builds a pool with every
// endpoint initially healthy. Call Start to begin rotation and health
// checking; selection and mark operations work without Start.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = def.RotationInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = def.ProbeURL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = def.ProbeConcurrency
	}

	for _, ep := range cfg.Endpoints {
		if ep.Scheme == "" {
			ep.Scheme = SchemeHTTP
		}
		if ep.Scheme != SchemeHTTP && ep.Scheme != SchemeSOCKS5 {
			return nil, fmt.Errorf("proxy endpoint %s: unsupported scheme %q", ep.Addr(), ep.Scheme)
		}
		if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
			return nil, fmt.Errorf("proxy endpoint %q: invalid host or port", ep.Addr())
		}
		ep.healthy = true
	}

	return &Manager{
		endpoints: cfg.Endpoints,
		cfg:       cfg,
		logger:    logging.NewLogger("proxy-pool"),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start launches the rotation and health check schedulers and kicks off
// an immediate probe cycle so response times populate early.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.rotationTicker = time.NewTicker(m.cfg.RotationInterval)
	m.healthTicker = time.NewTicker(m.cfg.HealthCheckInterval)

	m.logger.Info().
		Int("endpoints", len(m.cfg.Endpoints)).
		Dur("rotation_interval", m.cfg.RotationInterval).
		Dur("health_check_interval", m.cfg.HealthCheckInterval).
		Msg("Proxy pool starting")

	m.wg.Add(1)
	go m.schedulerLoop()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runHealthChecks()
	}()
}

// schedulerLoop drives rotation and health check cycles until Close.
func (m *Manager) schedulerLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.rotationTicker.C:
			m.rotate()

		case <-m.healthTicker.C:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.runHealthChecks()
			}()

		case <-m.stopChan:
			m.rotationTicker.Stop()
			m.healthTicker.Stop()
			return
		}
	}
}

// Close stops the schedulers, waits for in-flight probes and replaces
// the pool with an empty one. Selectors report no proxy afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	if started {
		close(m.stopChan)
		m.wg.Wait()
	}

	m.mu.Lock()
	m.endpoints = nil
	m.current = 0
	m.mu.Unlock()

	m.logger.Info().Msg("Proxy pool stopped")
}

// Current returns the currently selected endpoint. If the selection has
// turned unhealthy it advances to the next healthy endpoint first.
func (m *Manager) Current() (*Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *Manager) currentLocked() (*Endpoint, bool) {
	if len(m.endpoints) == 0 {
		return nil, false
	}
	if !m.endpoints[m.current].healthy {
		m.advanceLocked()
	}
	ep := m.endpoints[m.current]
	if !ep.healthy {
		return nil, false
	}
	return ep, true
}

// GeoSpecific returns a healthy endpoint in the given country. When none
// matches it falls back to any healthy endpoint, then to the current
// selection.
func (m *Manager) GeoSpecific(country string) (*Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ep := range m.endpoints {
		if ep.healthy && strings.EqualFold(ep.Country, country) {
			return ep, true
		}
	}
	for _, ep := range m.endpoints {
		if ep.healthy {
			return ep, true
		}
	}
	return m.currentLocked()
}

// BestPerforming returns the healthy endpoint with the best success
// rate. Rates within 0.1 of each other are treated as equivalent and the
// lower response time wins.
func (m *Manager) BestPerforming() (*Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Endpoint
	for _, ep := range m.endpoints {
		if !ep.healthy {
			continue
		}
		if best == nil || outperforms(ep, best) {
			best = ep
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// outperforms reports whether a beats b: by success rate when the rates
// differ by more than 0.1, by response time otherwise.
func outperforms(a, b *Endpoint) bool {
	diff := a.successRate() - b.successRate()
	if diff > 0.1 {
		return true
	}
	if diff < -0.1 {
		return false
	}
	return a.responseTime < b.responseTime
}

// MarkSuccess records a successful call through the endpoint. It resets
// the consecutive failure counter and restores health.
func (m *Manager) MarkSuccess(ep *Endpoint, rtt time.Duration) {
	if ep == nil {
		return
	}

	m.mu.Lock()
	ep.successCount++
	ep.consecutiveFailures = 0
	ep.lastChecked = time.Now()
	if rtt > 0 {
		ep.responseTime = rtt
	}
	recovered := !ep.healthy
	ep.healthy = true
	m.mu.Unlock()

	if recovered {
		m.logger.Info().Str("proxy", ep.String()).Msg("Proxy endpoint recovered")
		m.updateHealthGauge()
	}
}

// MarkFailure records a failed call through the endpoint. Three
// consecutive failures mark it unhealthy; if the failing endpoint is the
// current selection, rotation happens immediately.
func (m *Manager) MarkFailure(ep *Endpoint) {
	if ep == nil {
		return
	}

	m.mu.Lock()
	ep.failureCount++
	ep.consecutiveFailures++
	ep.lastChecked = time.Now()

	flipped := false
	if ep.healthy && ep.consecutiveFailures >= healthFailureThreshold {
		ep.healthy = false
		flipped = true
	}

	rotated := false
	if !ep.healthy && len(m.endpoints) > 0 && m.endpoints[m.current] == ep {
		m.advanceLocked()
		rotated = true
	}
	consecutive := ep.consecutiveFailures
	m.mu.Unlock()

	if flipped {
		m.logger.Warn().
			Str("proxy", ep.String()).
			Int("consecutive_failures", consecutive).
			Msg("Proxy endpoint marked unhealthy")
		m.updateHealthGauge()
	}
	if rotated {
		rotationsTotal.Inc()
		m.logger.Debug().Str("failed_proxy", ep.String()).Msg("Rotated away from failed endpoint")
	}
}

// rotate advances the current selection on the rotation ticker.
func (m *Manager) rotate() {
	m.mu.Lock()
	before := m.current
	m.advanceLocked()
	after := m.current
	var addr string
	if len(m.endpoints) > 0 {
		addr = m.endpoints[after].Addr()
	}
	m.mu.Unlock()

	if before != after {
		rotationsTotal.Inc()
		m.logger.Debug().Str("proxy", addr).Msg("Rotated to next endpoint")
	}
}

// advanceLocked moves current to the next healthy endpoint, wrapping the
// pool. The pointer stays put when no other endpoint is healthy. Callers
// must hold m.mu.
func (m *Manager) advanceLocked() {
	n := len(m.endpoints)
	for i := 1; i <= n; i++ {
		idx := (m.current + i) % n
		if m.endpoints[idx].healthy {
			m.current = idx
			return
		}
	}
}

// updateHealthGauge refreshes the healthy endpoint gauge.
func (m *Manager) updateHealthGauge() {
	m.mu.Lock()
	healthy := 0
	for _, ep := range m.endpoints {
		if ep.healthy {
			healthy++
		}
	}
	m.mu.Unlock()
	healthyEndpoints.Set(float64(healthy))
}
