package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veloxdata/outbound/pkg/proxypool"
	"github.com/veloxdata/outbound/pkg/ratelimit"
)

// testFactory builds a factory with a permissive registry so rate
// limiting never interferes unless a test configures it explicitly.
func testFactory(t *testing.T, pool *proxypool.Manager) *Factory {
	t.Helper()
	limits := ratelimit.NewRegistry(ratelimit.Config{RequestsPerMinute: 10000, Burst: 10000})
	f := NewFactory(limits, pool)
	t.Cleanup(f.Close)
	return f
}

// fastRetry keeps test retries in the millisecond range.
func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:        maxRetries,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// proxyEndpoint turns a test server into a pool endpoint.
func proxyEndpoint(t *testing.T, srv *httptest.Server) *proxypool.Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return &proxypool.Endpoint{Scheme: proxypool.SchemeHTTP, Host: u.Hostname(), Port: port}
}

func TestDoSuccess(t *testing.T) {
	var gotUA, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("sports", Options{
		BaseURL: srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token-1"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/v1/fixtures", nil)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}

	var body struct {
		OK bool `json:"ok"`
	}
	if err := resp.JSON(&body); err != nil || !body.OK {
		t.Errorf("JSON() = %+v, %v, want ok:true", body, err)
	}
	if gotUA != defaultUserAgent {
		t.Errorf("User-Agent = %q, want %q", gotUA, defaultUserAgent)
	}
	if gotAuth != "Bearer token-1" {
		t.Errorf("Authorization = %q, want the configured header", gotAuth)
	}
}

func TestDoSendsBody(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("sports", Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	resp, err := c.Do(context.Background(), http.MethodPost, "/v1/bets", []byte(`{"stake":10}`))
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if string(gotBody) != `{"stake":10}` {
		t.Errorf("server received body %q", gotBody)
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("sports", Options{BaseURL: srv.URL, Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/flaky", nil)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if string(resp.Body) != "recovered" {
		t.Errorf("Body = %q, want recovered", resp.Body)
	}
	if calls != 3 {
		t.Errorf("server saw %d calls, want 3", calls)
	}
}

func TestDoClientErrorIsFatal(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("sports", Options{BaseURL: srv.URL, Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err = c.Do(context.Background(), http.MethodGet, "/missing", nil)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Do() error = %v, want *UpstreamError", err)
	}
	if ue.StatusCode != http.StatusNotFound || ue.Class != ClassClient {
		t.Errorf("error = status %d class %q, want 404 client", ue.StatusCode, ue.Class)
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1 for a non-retryable 4xx", calls)
	}
}

func TestDoRetryExhaustedReturnsLastError(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "still broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("sports", Options{BaseURL: srv.URL, Retry: fastRetry(2)})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err = c.Do(context.Background(), http.MethodGet, "/broken", nil)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Do() error = %v, want the original *UpstreamError", err)
	}
	if ue.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502 from the last attempt", ue.StatusCode)
	}
	if calls != 2 {
		t.Errorf("server saw %d calls, want exactly MaxRetries", calls)
	}
}

func TestDoRetriesTransientClientErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "conflict", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("sports", Options{BaseURL: srv.URL, Retry: fastRetry(3)})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := c.Do(context.Background(), http.MethodGet, "/locked", nil); err != nil {
		t.Fatalf("Do() error: %v, want 409 retried to success", err)
	}
	if calls != 2 {
		t.Errorf("server saw %d calls, want 2", calls)
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		n := len(times)
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("sports", Options{
		BaseURL: srv.URL,
		// Computed backoff would be 3s; the header must win.
		Retry: RetryConfig{MaxRetries: 2, BaseDelay: 3 * time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := c.Do(context.Background(), http.MethodGet, "/paced", nil); err != nil {
		t.Fatalf("Do() error: %v", err)
	}

	if len(times) != 2 {
		t.Fatalf("server saw %d calls, want 2", len(times))
	}
	gap := times[1].Sub(times[0])
	if gap < 900*time.Millisecond || gap > 2500*time.Millisecond {
		t.Errorf("retry gap = %v, want ~1s from Retry-After, not the 3s backoff", gap)
	}
}

func TestDoWaitsForRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("scarce", Options{
		BaseURL:   srv.URL,
		RateLimit: ratelimit.Config{RequestsPerMinute: 1, Burst: 1},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := c.Do(context.Background(), http.MethodGet, "/one", nil); err != nil {
		t.Fatalf("first Do() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, http.MethodGet, "/two", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want a deadline while waiting for budget", err)
	}
}

func TestDoThroughProxy(t *testing.T) {
	var mu sync.Mutex
	var requestURI string
	// The client uses a plain-HTTP base URL, so the transport sends the
	// absolute URI to the configured proxy; this server plays the proxy.
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requestURI = r.RequestURI
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer proxySrv.Close()

	pool, err := proxypool.NewManager(proxypool.Config{
		Endpoints: []*proxypool.Endpoint{proxyEndpoint(t, proxySrv)},
	})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}

	f := testFactory(t, pool)
	c, err := f.Create("sports", Options{BaseURL: "http://upstream.test", UseProxy: true})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := c.Do(context.Background(), http.MethodGet, "/v1/odds", nil); err != nil {
		t.Fatalf("Do() error: %v", err)
	}

	if !strings.HasPrefix(requestURI, "http://upstream.test") {
		t.Errorf("proxy saw %q, want an absolute URI for the upstream", requestURI)
	}

	stats := pool.Stats()
	if len(stats.Endpoints) != 1 || stats.Endpoints[0].SuccessCount != 1 {
		t.Errorf("endpoint success count = %+v, want 1 recorded success", stats.Endpoints)
	}
}

func TestExecuteSingleAttempt(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("sports", Options{BaseURL: srv.URL, Retry: fastRetry(5)})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err = c.Execute(context.Background(), http.MethodGet, "/once", nil)
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Execute() error = %v, want the 500 surfaced", err)
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want exactly 1 despite the retry budget", calls)
	}
}

func TestExecuteBypassesAdmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := testFactory(t, nil)
	c, err := f.Create("scarce", Options{
		BaseURL:   srv.URL,
		RateLimit: ratelimit.Config{RequestsPerMinute: 1, Burst: 1},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Burn the only admission slot.
	if _, err := c.Do(context.Background(), http.MethodGet, "/one", nil); err != nil {
		t.Fatalf("Do() error: %v", err)
	}

	// Execute must not wait on the exhausted budget.
	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), http.MethodGet, "/two", nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Execute() error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Execute() blocked on admission, want immediate dispatch")
	}
}

func TestDoFallsBackDirectWithoutHealthyProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := &proxypool.Endpoint{Scheme: proxypool.SchemeHTTP, Host: "10.255.255.1", Port: 3128}
	pool, err := proxypool.NewManager(proxypool.Config{Endpoints: []*proxypool.Endpoint{ep}})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	for i := 0; i < 3; i++ {
		pool.MarkFailure(ep)
	}

	f := testFactory(t, pool)
	c, err := f.Create("sports", Options{BaseURL: srv.URL, UseProxy: true})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/direct", nil)
	if err != nil {
		t.Fatalf("Do() error: %v, want direct fallback to succeed", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := pool.Stats().Endpoints[0].SuccessCount; got != 0 {
		t.Errorf("endpoint success count = %d, want 0 when the call bypassed the pool", got)
	}
}
