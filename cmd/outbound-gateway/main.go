package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veloxdata/outbound/internal/app"
	"github.com/veloxdata/outbound/pkg/client"
	"github.com/veloxdata/outbound/pkg/config"
	"github.com/veloxdata/outbound/pkg/queue"
)

func main() {
	configPath := flag.String("config", getEnv("OUTBOUND_CONFIG", ""), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build outbound layer: %v", err)
	}
	application.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(application))
	mux.HandleFunc("/stats", statsHandler(application))
	mux.HandleFunc("/fetch", fetchHandler(application))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Gateway listening on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	application.Stop()
}

// healthHandler reports per-subsystem health as JSON. Degradation shows
// up in the body, not the status code; a reachable gateway is alive.
func healthHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		writeJSON(w, http.StatusOK, a.Health(ctx))
	}
}

func statsHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		writeJSON(w, http.StatusOK, a.Stats(ctx))
	}
}

type fetchRequest struct {
	Provider   string            `json:"provider"`
	Endpoint   string            `json:"endpoint"`
	Params     map[string]string `json:"params,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	TimeoutMS  int               `json:"timeout_ms,omitempty"`
}

// fetchHandler runs a request through the queue and relays the upstream
// outcome: status and body pass through, queue-level failures map to
// gateway status codes.
func fetchHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		var req fetchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.Provider == "" || req.Endpoint == "" {
			http.Error(w, "provider and endpoint are required", http.StatusBadRequest)
			return
		}
		priority, ok := parsePriority(req.Priority)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown priority %q", req.Priority), http.StatusBadRequest)
			return
		}

		opts := queue.Options{
			Priority:   priority,
			Params:     req.Params,
			MaxRetries: req.MaxRetries,
		}
		if req.TimeoutMS > 0 {
			opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		}

		res, err := a.Fetch(r.Context(), req.Provider, req.Endpoint, opts)
		if err != nil {
			writeFetchError(w, err)
			return
		}

		if ct := res.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(res.StatusCode)
		if _, err := w.Write(res.Body); err != nil {
			log.Printf("Failed to write response: %v", err)
		}
	}
}

func writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, queue.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
	default:
		var ue *client.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode > 0 {
			http.Error(w, ue.Error(), ue.StatusCode)
			return
		}
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
	}
}

func parsePriority(s string) (queue.Priority, bool) {
	switch strings.ToLower(s) {
	case "":
		return queue.PriorityMedium, true
	case "critical":
		return queue.PriorityCritical, true
	case "high":
		return queue.PriorityHigh, true
	case "medium":
		return queue.PriorityMedium, true
	case "low":
		return queue.PriorityLow, true
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
