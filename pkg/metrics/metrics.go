// Package metrics provides the centralized Prometheus registry notes for
// the outbound layer. All metrics are defined in their respective
// packages (proxypool, ratelimit, queue, cache, client) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the outbound
// layer. All metrics are automatically registered via promauto in their
// respective packages; cmd/outbound-gateway serves them via promhttp.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Proxy Pool Metrics (pkg/proxypool):
//   - outbound_proxy_healthy_endpoints (Gauge): Healthy endpoints in the pool
//   - outbound_proxy_probes_total{result} (Counter): Connectivity probes by result
//   - outbound_proxy_probe_duration_seconds (Histogram): RTT of successful probes
//   - outbound_proxy_rotations_total (Counter): Proxy rotations
//
// Rate Limit Metrics (pkg/ratelimit):
//   - outbound_ratelimit_admitted_total{provider} (Counter): Admitted requests
//   - outbound_ratelimit_denied_total{provider, budget} (Counter): Denials by exhausted budget
//   - outbound_ratelimit_wait_seconds{provider} (Histogram): Time blocked waiting for admission
//
// Queue Metrics (pkg/queue):
//   - outbound_queue_enqueued_total{provider, priority} (Counter): Accepted requests
//   - outbound_queue_dispatched_total{provider} (Counter): Executions handed to workers
//   - outbound_queue_completed_total{provider} (Counter): Requests completed
//   - outbound_queue_failed_total{provider, reason} (Counter): Terminal failures
//     (reason: exhausted, timeout, cleared, shutdown)
//   - outbound_queue_retries_total{provider} (Counter): Rescheduled attempts
//   - outbound_queue_depth{provider} (Gauge): Requests waiting in the queue
//   - outbound_queue_wait_seconds{provider} (Histogram): Enqueue-to-dispatch wait
//
// Cache Metrics (pkg/cache):
//   - outbound_cache_hits_total{tier} (Counter): Hits by tier (local, redis)
//   - outbound_cache_misses_total (Counter): Misses across both tiers
//   - outbound_cache_errors_total{operation} (Counter): Redis operation errors
//   - outbound_cache_local_entries (Gauge): Current local tier entry count
//   - outbound_cache_evictions_total (Counter): Local entries evicted under pressure
//   - outbound_cache_invalidations_total (Counter): Keys removed by tag invalidation
//
// Client Metrics (pkg/client):
//   - outbound_client_requests_total{provider, status} (Counter): Requests by HTTP status
//   - outbound_client_request_duration_seconds{provider} (Histogram): Request duration
//   - outbound_client_errors_total{provider, class} (Counter): Errors by class
//     (client, server, rate_limit, network)
//   - outbound_client_retries_total{provider, class} (Counter): Retry attempts
//   - outbound_client_retry_exhausted_total{provider} (Counter): Calls that ran out of retries
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(outbound_cache_hits_total[5m])) /
//   (sum(rate(outbound_cache_hits_total[5m])) + sum(rate(outbound_cache_misses_total[5m])))
//
//   # Providers burning their retry budget
//   rate(outbound_client_retry_exhausted_total[5m]) > 0
//
//   # P95 Request Latency per Provider
//   histogram_quantile(0.95, sum by (provider, le) (rate(outbound_client_request_duration_seconds_bucket[5m])))
//
//   # Queue Pressure
//   outbound_queue_depth > 100
//
//   # Pool Exhaustion
//   outbound_proxy_healthy_endpoints == 0
