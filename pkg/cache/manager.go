package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/veloxdata/outbound/pkg/logging"
)

// Config tunes the tiered cache.
type Config struct {
	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration

	// MaxLocalEntries caps the local tier. Zero disables the cap.
	MaxLocalEntries int

	// MaxValueBytes is the largest marshaled value the local tier will
	// hold. Bigger values are still written through to Redis.
	MaxValueBytes int
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		MaxLocalEntries: 1000,
		MaxValueBytes:   1 << 20,
	}
}

// Options carries per-entry write options.
type Options struct {
	// TTL is the entry lifetime. Zero means Config.DefaultTTL.
	TTL time.Duration

	// Tags label the entry for bulk invalidation.
	Tags []string
}

// TieredCache fronts Redis with a bounded local tier. Redis failures
// never propagate: reads degrade to misses and writes report false, so
// business logic treats an outage like a cold cache.
type TieredCache struct {
	redis  *redis.Client
	local  *localTier
	cfg    Config
	logger zerolog.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
}

// New creates a tiered cache on top of the given Redis client.
func New(redisClient *redis.Client, cfg Config) *TieredCache {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxValueBytes <= 0 {
		cfg.MaxValueBytes = def.MaxValueBytes
	}
	return &TieredCache{
		redis:  redisClient,
		local:  newLocalTier(cfg.MaxLocalEntries),
		cfg:    cfg,
		logger: logging.NewLogger("cache"),
	}
}

// Get reads a key into dest. It reports true on a hit in either tier.
// Redis errors degrade to a miss.
func (c *TieredCache) Get(ctx context.Context, key string, dest any, namespace ...string) bool {
	full := fullKey(key, namespace)
	now := time.Now()

	if e, ok := c.local.get(full, now); ok {
		if err := json.Unmarshal(e.Value, dest); err == nil {
			c.hits.Add(1)
			hitsTotal.WithLabelValues("local").Inc()
			return true
		}
		// Undecodable for this dest type; retry against Redis.
		c.local.delete(full)
	}

	data, err := c.redis.Get(ctx, full).Bytes()
	if err != nil {
		if err != redis.Nil {
			errorsTotal.WithLabelValues("get").Inc()
			c.logger.Warn().Err(err).Str("key", full).Msg("Redis read failed, degrading to miss")
		}
		return c.miss()
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		errorsTotal.WithLabelValues("get").Inc()
		c.logger.Warn().Err(err).Str("key", full).Msg("Corrupt cache envelope, degrading to miss")
		return c.miss()
	}
	if !env.ExpiresAt.IsZero() && now.After(env.ExpiresAt) {
		// Stale straggler Redis has not expired yet.
		c.redis.Del(ctx, full)
		return c.miss()
	}
	if err := json.Unmarshal(env.Value, dest); err != nil {
		errorsTotal.WithLabelValues("get").Inc()
		return c.miss()
	}

	c.populateLocal(full, &env, now)
	c.hits.Add(1)
	hitsTotal.WithLabelValues("redis").Inc()
	return true
}

func (c *TieredCache) miss() bool {
	c.misses.Add(1)
	missesTotal.Inc()
	return false
}

// Set writes a value through to Redis and into the local tier. It
// reports false when the Redis write failed; the local tier is still
// populated so subsequent reads keep working in degraded mode.
func (c *TieredCache) Set(ctx context.Context, key string, value any, opts Options, namespace ...string) bool {
	full := fullKey(key, namespace)

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		errorsTotal.WithLabelValues("set").Inc()
		c.logger.Error().Err(err).Str("key", full).Msg("Value not marshalable")
		return false
	}

	now := time.Now()
	env := envelope{
		Value:     raw,
		Tags:      opts.Tags,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(env)
	if err != nil {
		errorsTotal.WithLabelValues("set").Inc()
		return false
	}

	ok := true
	if err := c.redis.Set(ctx, full, data, ttl).Err(); err != nil {
		errorsTotal.WithLabelValues("set").Inc()
		c.logger.Warn().Err(err).Str("key", full).Msg("Redis write failed, local tier only")
		ok = false
	} else {
		for _, tag := range opts.Tags {
			tk := tagKey(tag)
			if err := c.redis.SAdd(ctx, tk, full).Err(); err != nil {
				errorsTotal.WithLabelValues("set").Inc()
				c.logger.Warn().Err(err).Str("tag", tag).Msg("Tag registration failed")
				ok = false
				continue
			}
			c.redis.Expire(ctx, tk, ttl)
		}
	}

	c.populateLocal(full, &env, now)
	c.sets.Add(1)
	return ok
}

// populateLocal stores the envelope in the local tier when the value
// fits the size threshold.
func (c *TieredCache) populateLocal(full string, env *envelope, now time.Time) {
	if len(env.Value) > c.cfg.MaxValueBytes {
		return
	}
	c.local.set(&Entry{
		Key:        full,
		Value:      env.Value,
		Tags:       env.Tags,
		StoredAt:   env.StoredAt,
		ExpiresAt:  env.ExpiresAt,
		LastAccess: now,
		Size:       len(env.Value),
	})
}

// Delete removes a key from both tiers. It reports whether the Redis
// delete went through.
func (c *TieredCache) Delete(ctx context.Context, key string, namespace ...string) bool {
	full := fullKey(key, namespace)
	c.local.delete(full)
	c.deletes.Add(1)

	if err := c.redis.Del(ctx, full).Err(); err != nil {
		errorsTotal.WithLabelValues("delete").Inc()
		c.logger.Warn().Err(err).Str("key", full).Msg("Redis delete failed")
		return false
	}
	return true
}

// Exists reports whether the key is present in either tier.
func (c *TieredCache) Exists(ctx context.Context, key string, namespace ...string) bool {
	full := fullKey(key, namespace)
	if _, ok := c.local.get(full, time.Now()); ok {
		return true
	}
	n, err := c.redis.Exists(ctx, full).Result()
	if err != nil {
		errorsTotal.WithLabelValues("get").Inc()
		return false
	}
	return n > 0
}

// TTL returns the remaining lifetime of a key. The second return is
// false when the key does not exist.
func (c *TieredCache) TTL(ctx context.Context, key string, namespace ...string) (time.Duration, bool) {
	full := fullKey(key, namespace)
	now := time.Now()
	if e, ok := c.local.get(full, now); ok {
		return e.TTL(now), true
	}

	ttl, err := c.redis.TTL(ctx, full).Result()
	if err != nil || ttl < 0 {
		// -2 means no such key, -1 means no expiry; neither happens for
		// entries written by Set.
		return 0, false
	}
	return ttl, true
}

// Extend pushes a key's expiry further out by additional. It reports
// false when the key does not exist or Redis is unreachable.
func (c *TieredCache) Extend(ctx context.Context, key string, additional time.Duration, namespace ...string) bool {
	if additional <= 0 {
		return false
	}
	full := fullKey(key, namespace)

	data, err := c.redis.Get(ctx, full).Bytes()
	if err != nil {
		if err != redis.Nil {
			errorsTotal.WithLabelValues("set").Inc()
		}
		return false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		errorsTotal.WithLabelValues("set").Inc()
		return false
	}

	env.ExpiresAt = env.ExpiresAt.Add(additional)
	now := time.Now()
	ttl := env.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return false
	}

	out, err := json.Marshal(env)
	if err != nil {
		return false
	}
	if err := c.redis.Set(ctx, full, out, ttl).Err(); err != nil {
		errorsTotal.WithLabelValues("set").Inc()
		return false
	}
	c.populateLocal(full, &env, now)
	return true
}

// InvalidateByTag removes every entry labeled with tag from both tiers
// and drops the tag set itself. It returns the number of keys removed.
func (c *TieredCache) InvalidateByTag(ctx context.Context, tag string) int {
	tk := tagKey(tag)

	members, err := c.redis.SMembers(ctx, tk).Result()
	if err != nil {
		errorsTotal.WithLabelValues("invalidate").Inc()
		c.logger.Warn().Err(err).Str("tag", tag).Msg("Tag member lookup failed")
		return 0
	}
	if len(members) == 0 {
		return 0
	}

	removed := 0
	for _, member := range members {
		c.local.delete(member)
		n, err := c.redis.Del(ctx, member).Result()
		if err != nil {
			errorsTotal.WithLabelValues("invalidate").Inc()
			continue
		}
		removed += int(n)
	}

	if err := c.redis.Del(ctx, tk).Err(); err != nil {
		errorsTotal.WithLabelValues("invalidate").Inc()
	}

	invalidationsTotal.Add(float64(removed))
	c.logger.Debug().Str("tag", tag).Int("removed", removed).Msg("Tag invalidated")
	return removed
}

// Clear empties a namespace, or the whole cache when no namespace is
// given.
func (c *TieredCache) Clear(ctx context.Context, namespace ...string) bool {
	if len(namespace) == 0 {
		c.local.clear()
		if err := c.redis.FlushDB(ctx).Err(); err != nil {
			errorsTotal.WithLabelValues("clear").Inc()
			c.logger.Warn().Err(err).Msg("Redis flush failed")
			return false
		}
		return true
	}

	c.local.clearPrefix(nsLocalPrefix(namespace))

	ok := true
	var cursor uint64
	pattern := nsPattern(namespace)
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			errorsTotal.WithLabelValues("clear").Inc()
			c.logger.Warn().Err(err).Str("pattern", pattern).Msg("Redis scan failed")
			return false
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				errorsTotal.WithLabelValues("clear").Inc()
				ok = false
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ok
}

// Stats reports cache counters plus best-effort Redis introspection.
type Stats struct {
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	Sets         uint64  `json:"sets"`
	Deletes      uint64  `json:"deletes"`
	HitRate      float64 `json:"hit_rate"`
	LocalEntries int     `json:"local_entries"`
	RedisKeys    int64   `json:"redis_keys"`
	RedisMemory  int64   `json:"redis_memory_bytes"`
}

// Stats snapshots the counters. Redis key count and memory usage are
// best effort and read as zero when Redis is unreachable.
func (c *TieredCache) Stats(ctx context.Context) Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	s := Stats{
		Hits:         hits,
		Misses:       misses,
		Sets:         c.sets.Load(),
		Deletes:      c.deletes.Load(),
		LocalEntries: c.local.len(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}

	if n, err := c.redis.DBSize(ctx).Result(); err == nil {
		s.RedisKeys = n
	}
	if info, err := c.redis.Info(ctx, "memory").Result(); err == nil {
		s.RedisMemory = parseUsedMemory(info)
	}
	return s
}

// parseUsedMemory extracts used_memory from an INFO memory block.
func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if rest, ok := strings.CutPrefix(line, "used_memory:"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

// Health reports independent per-tier health.
type Health struct {
	Redis        bool          `json:"redis"`
	RedisError   string        `json:"redis_error,omitempty"`
	RedisLatency time.Duration `json:"redis_latency"`
	Local        bool          `json:"local"`
	LocalEntries int           `json:"local_entries"`
}

// HealthCheck pings Redis and reports both tiers. It always returns a
// well-formed structure; a Redis outage sets the flag and error string.
func (c *TieredCache) HealthCheck(ctx context.Context) Health {
	h := Health{
		Local:        true,
		LocalEntries: c.local.len(),
	}

	start := time.Now()
	if err := c.redis.Ping(ctx).Err(); err != nil {
		h.RedisError = err.Error()
	} else {
		h.Redis = true
	}
	h.RedisLatency = time.Since(start)
	return h
}
