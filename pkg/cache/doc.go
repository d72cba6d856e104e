// Package cache provides a two-tier cache: a bounded in-process tier in
// front of a shared Redis tier.
//
// The cache manager implements the following behavior:
//
// - Local-first reads with recency tracking and approximate LRU eviction
// - Write-through to Redis with per-entry TTL
// - Tag-based bulk invalidation backed by Redis sets
// - Degraded mode: Redis errors surface as misses and failed writes;
//   the local tier keeps serving
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	// Create Redis client
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	// Create the tiered cache
//	c := cache.New(redisClient, cache.DefaultConfig())
//
//	// Write an entry tagged for later bulk invalidation
//	c.Set(ctx, "fighter:1234", profile, cache.Options{
//		TTL:  10 * time.Minute,
//		Tags: []string{"fighters"},
//	})
//
//	// Read it back
//	var got FighterProfile
//	if c.Get(ctx, "fighter:1234", &got) {
//		// hit
//	}
//
//	// Drop everything tagged "fighters"
//	removed := c.InvalidateByTag(ctx, "fighters")
//
// # Failure Semantics
//
// The cache never surfaces Redis errors into business logic. Reads
// degrade to misses and writes return false; the local tier continues
// to answer until its entries expire. Callers treat a miss and an
// outage identically: fetch from the source.
//
// # Metrics
//
// The cache exports Prometheus metrics:
//
//   - outbound_cache_hits_total{tier} - Cache hits by tier
//   - outbound_cache_misses_total - Cache misses
//   - outbound_cache_errors_total{operation} - Redis operation errors
//   - outbound_cache_local_entries - Current local tier entry count
//   - outbound_cache_evictions_total - Local tier LRU evictions
//   - outbound_cache_invalidations_total - Keys removed by tag invalidation
package cache
