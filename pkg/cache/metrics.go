package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// hitsTotal tracks cache hits by tier (local, redis).
	hitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_cache_hits_total",
			Help: "Total number of cache hits by tier",
		},
		[]string{"tier"}, // "local", "redis"
	)

	// missesTotal tracks cache misses across both tiers.
	missesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// errorsTotal tracks Redis operation errors by operation.
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "invalidate", "clear"
	)

	// localEntries tracks the current local tier entry count.
	localEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbound_cache_local_entries",
			Help: "Current number of entries in the local cache tier",
		},
	)

	// evictionsTotal tracks local tier LRU evictions.
	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_cache_evictions_total",
			Help: "Total number of local cache entries evicted under pressure",
		},
	)

	// invalidationsTotal tracks keys removed by tag invalidation.
	invalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbound_cache_invalidations_total",
			Help: "Total number of cache keys removed by tag invalidation",
		},
	)
)
