package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veloxdata/outbound/internal/testutil"
	"github.com/veloxdata/outbound/pkg/client"
	"github.com/veloxdata/outbound/pkg/config"
	"github.com/veloxdata/outbound/pkg/queue"
)

// newTestApp builds a started App against the mock provider. Redis
// points at a closed port so the cache runs on its local tier only.
func newTestApp(t *testing.T, mock *testutil.MockProvider) *App {
	t.Helper()

	cfg := config.Default()
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Queue.TickMS = 5
	cfg.Queue.Workers = 2
	cfg.Retry = config.Retry{MaxRetries: 3, BaseDelayMS: 10, MaxDelayMS: 50, BackoffMultiplier: 2}
	cfg.RateLimit = config.RateLimit{RequestsPerMinute: 10000, Burst: 10000}
	cfg.Providers = map[string]config.Provider{
		"testapi": {BaseURL: mock.URL(), TimeoutSeconds: 5},
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Stop)
	a.Start()
	return a
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFetchRoundTrip(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	mock.SetHandler("/search", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(r.URL.RawQuery))
	})

	res, err := a.Fetch(testContext(t), "testapi", "/search", queue.Options{
		Params: map[string]string{"region": "eu", "page": "2"},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
	if got := string(res.Body); got != "page=2&region=eu" {
		t.Errorf("query = %q, want sorted params", got)
	}
	if got := mock.LastRequestHeader().Get("User-Agent"); got != "veloxdata-outbound/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("request count = %d, want 1", mock.RequestCount())
	}
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	mock.SetHandler("/flaky", testutil.FlakyHandler(2, 503, `{"ok":true}`))

	res, err := a.Fetch(testContext(t), "testapi", "/flaky", queue.Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("request count = %d, want 3", mock.RequestCount())
	}

	stats := a.Stats(testContext(t))
	qs, ok := stats.Queue["testapi"]
	if !ok {
		t.Fatal("no queue stats for testapi")
	}
	if qs.Completed != 1 || qs.Retries != 2 {
		t.Errorf("queue stats = completed %d retries %d, want 1/2", qs.Completed, qs.Retries)
	}
}

func TestFetchFailsAfterRetryBudget(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	mock.SetResponse("/missing", testutil.MockResponse{
		StatusCode: 404,
		Body:       `{"error":"not found"}`,
	})

	_, err := a.Fetch(testContext(t), "testapi", "/missing", queue.Options{})
	if err == nil {
		t.Fatal("expected error after retry budget")
	}
	var ue *client.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *client.UpstreamError", err)
	}
	if ue.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", ue.StatusCode)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("request count = %d, want one per retry attempt", mock.RequestCount())
	}
}

func TestFetchUnknownProvider(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	_, err := a.Fetch(testContext(t), "ghost", "/anything", queue.Options{})
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}
	if !strings.Contains(err.Error(), "no client registered") {
		t.Errorf("error = %v", err)
	}
}

func TestStopRejectsOutstandingFetches(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	mock.SetResponse("/slow", testutil.MockResponse{
		StatusCode: 200,
		Body:       "{}",
		Delay:      300 * time.Millisecond,
	})

	ctx := testContext(t)
	errs := make(chan error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Fetch(ctx, "testapi", "/slow", queue.Options{})
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	a.Stop()
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, queue.ErrQueueClosed) {
			t.Errorf("error = %v, want ErrQueueClosed", err)
		}
	}

	if _, err := a.Fetch(testContext(t), "testapi", "/late", queue.Options{}); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Fetch after Stop = %v, want ErrQueueClosed", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	a.Stop()
	a.Stop()
}

func TestStartTwiceIsNoop(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	a.Start()

	if _, err := a.Fetch(testContext(t), "testapi", "/ping", queue.Options{}); err != nil {
		t.Fatalf("Fetch after second Start: %v", err)
	}
}

func TestHealthReportsDegradedCache(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	h := a.Health(testContext(t))
	if !h.Cache.Local {
		t.Error("local tier should always be healthy")
	}
	if h.Cache.Redis {
		t.Error("Redis should be unreachable in this test")
	}
	ph, ok := h.Providers["testapi"]
	if !ok {
		t.Fatal("no health entry for testapi")
	}
	if !ph.Healthy {
		t.Errorf("provider unhealthy: %s", ph.Error)
	}
	if h.Proxies.Total != 0 {
		t.Errorf("proxy total = %d, want 0", h.Proxies.Total)
	}
}

func TestStatsAfterTraffic(t *testing.T) {
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	a := newTestApp(t, mock)

	if _, err := a.Fetch(testContext(t), "testapi", "/data", queue.Options{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	s := a.Stats(testContext(t))
	if got := s.Queue["testapi"].Completed; got != 1 {
		t.Errorf("queue completed = %d, want 1", got)
	}
	if got := s.RateLimits["testapi"].MinuteUsed; got != 1 {
		t.Errorf("minute used = %d, want 1", got)
	}
	if got := s.Clients["testapi"].Requests; got != 1 {
		t.Errorf("client requests = %d, want 1", got)
	}
	if got := s.Clients["testapi"].Failures; got != 0 {
		t.Errorf("client failures = %d, want 0", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.Provider{"broken": {}}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for provider without base_url")
	}

	cfg = config.Default()
	cfg.Providers = map[string]config.Provider{"broken": {BaseURL: "ftp://files.example.com"}}
	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected provider create error, got %v", err)
	}
}
