package proxypool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// dialTimeout bounds connection setup for transports handed to callers.
// Probes use the tighter ProbeTimeout instead.
const dialTimeout = 30 * time.Second

// Transport returns an http.Transport routed through the current
// endpoint, together with that endpoint so callers can report the
// outcome via MarkSuccess/MarkFailure. Returns (nil, nil, false) when no
// healthy endpoint exists; callers connect directly in that case.
func (m *Manager) Transport() (*http.Transport, *Endpoint, bool) {
	ep, ok := m.Current()
	if !ok {
		return nil, nil, false
	}
	return transportFor(ep, dialTimeout), ep, true
}

// transportFor builds a transport that routes through the endpoint.
// SOCKS5 endpoints dial through a proxy-aware dialer, HTTP endpoints use
// the standard proxy URL mechanism.
func transportFor(ep *Endpoint, timeout time.Duration) *http.Transport {
	t := &http.Transport{
		IdleConnTimeout:       timeout,
		TLSHandshakeTimeout:   timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch ep.Scheme {
	case SchemeSOCKS5:
		var auth *proxy.Auth
		if ep.Username != "" {
			auth = &proxy.Auth{User: ep.Username, Password: ep.Password}
		}
		addr := ep.Addr()
		t.DialContext = func(ctx context.Context, network, target string) (net.Conn, error) {
			d, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: timeout})
			if err != nil {
				return nil, fmt.Errorf("socks5 dialer for %s: %w", addr, err)
			}
			return d.(proxy.ContextDialer).DialContext(ctx, network, target)
		}
	default:
		t.Proxy = http.ProxyURL(ep.URL())
		dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		t.DialContext = dialer.DialContext
	}
	return t
}

// TestConnectivity probes the endpoint by requesting the configured
// probe URL through it and returns the round-trip time.
func (m *Manager) TestConnectivity(ctx context.Context, ep *Endpoint) (time.Duration, error) {
	transport := transportFor(ep, m.cfg.ProbeTimeout)
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: m.cfg.ProbeTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return 0, fmt.Errorf("probe through %s: unexpected status %d", ep.Addr(), resp.StatusCode)
	}
	return time.Since(start), nil
}

// runHealthChecks probes every endpoint concurrently, bounded by
// ProbeConcurrency, and records the outcomes.
func (m *Manager) runHealthChecks() {
	m.mu.Lock()
	endpoints := make([]*Endpoint, len(m.endpoints))
	copy(endpoints, m.endpoints)
	m.mu.Unlock()

	if len(endpoints) == 0 {
		return
	}
	m.logger.Debug().Int("endpoints", len(endpoints)).Msg("Starting health check cycle")

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, m.cfg.ProbeConcurrency)

	for _, ep := range endpoints {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(ep *Endpoint) {
			defer wg.Done()
			defer func() { <-semaphore }()

			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
			defer cancel()

			rtt, err := m.TestConnectivity(ctx, ep)
			if err != nil {
				probesTotal.WithLabelValues("failure").Inc()
				m.logger.Debug().Err(err).Str("proxy", ep.String()).Msg("Health probe failed")
				m.MarkFailure(ep)
				return
			}
			probesTotal.WithLabelValues("success").Inc()
			probeDuration.Observe(rtt.Seconds())
			m.MarkSuccess(ep, rtt)
		}(ep)
	}

	wg.Wait()
	m.updateHealthGauge()
}
