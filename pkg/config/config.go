// Package config loads the gateway configuration from YAML with
// environment overrides. A missing file yields the defaults so the
// gateway can start with nothing but OUTBOUND_* variables set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration tree.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
	Listen    string `yaml:"listen"`

	Redis     Redis               `yaml:"redis"`
	Cache     Cache               `yaml:"cache"`
	Queue     Queue               `yaml:"queue"`
	Proxy     Proxy               `yaml:"proxy"`
	RateLimit RateLimit           `yaml:"rate_limit"`
	Retry     Retry               `yaml:"retry"`
	Providers map[string]Provider `yaml:"providers"`
}

// Redis holds the distributed cache connection settings.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Cache holds the tiered cache settings.
type Cache struct {
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
	LocalMaxEntries   int `yaml:"local_max_entries"`
	MaxValueBytes     int `yaml:"max_value_bytes"`
}

// DefaultTTL returns the entry TTL as a duration.
func (c Cache) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// Queue holds the request queue settings.
type Queue struct {
	TickMS          int `yaml:"tick_ms"`
	ExecutionBuffer int `yaml:"execution_buffer"`
	Workers         int `yaml:"workers"`
}

// Tick returns the scheduler interval as a duration.
func (q Queue) Tick() time.Duration {
	return time.Duration(q.TickMS) * time.Millisecond
}

// Retry holds the retry defaults shared by the queue and the clients.
type Retry struct {
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelayMS       int     `yaml:"base_delay_ms"`
	MaxDelayMS        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// BaseDelay returns the first retry delay as a duration.
func (r Retry) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff cap as a duration.
func (r Retry) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// RateLimit holds per-window request budgets. Zero disables a budget.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`
	RequestsPerDay    int `yaml:"requests_per_day"`
	Burst             int `yaml:"burst"`
}

// Proxy holds the egress pool settings.
type Proxy struct {
	RotationIntervalSeconds int             `yaml:"rotation_interval_seconds"`
	HealthIntervalSeconds   int             `yaml:"health_interval_seconds"`
	ProbeURL                string          `yaml:"probe_url"`
	ProbeTimeoutSeconds     int             `yaml:"probe_timeout_seconds"`
	ProbeConcurrency        int             `yaml:"probe_concurrency"`
	Endpoints               []ProxyEndpoint `yaml:"endpoints"`
}

// RotationInterval returns the rotation cadence as a duration.
func (p Proxy) RotationInterval() time.Duration {
	return time.Duration(p.RotationIntervalSeconds) * time.Second
}

// HealthInterval returns the probe cadence as a duration.
func (p Proxy) HealthInterval() time.Duration {
	return time.Duration(p.HealthIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe deadline as a duration.
func (p Proxy) ProbeTimeout() time.Duration {
	return time.Duration(p.ProbeTimeoutSeconds) * time.Second
}

// ProxyEndpoint describes one proxy host carrying one or more ports.
// Each port becomes its own pool endpoint.
type ProxyEndpoint struct {
	Scheme   string `yaml:"scheme"`
	Host     string `yaml:"host"`
	Ports    []int  `yaml:"ports"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Country  string `yaml:"country"`
}

// Provider configures one upstream API.
type Provider struct {
	BaseURL        string            `yaml:"base_url"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	UseProxy       bool              `yaml:"use_proxy"`
	HealthPath     string            `yaml:"health_path"`
	RateLimit      RateLimit         `yaml:"rate_limit"`
	Headers        map[string]string `yaml:"headers"`
}

// Timeout returns the per-request deadline as a duration.
func (p Provider) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Default returns a configuration that works against a local Redis with
// no proxies and no providers registered.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogPretty: false,
		Listen:    ":8080",
		Redis: Redis{
			Addr: "localhost:6379",
			DB:   0,
		},
		Cache: Cache{
			DefaultTTLSeconds: 300,
			LocalMaxEntries:   1000,
			MaxValueBytes:     1 << 20,
		},
		Queue: Queue{
			TickMS:          100,
			ExecutionBuffer: 64,
			Workers:         4,
		},
		Retry: Retry{
			MaxRetries:        3,
			BaseDelayMS:       1000,
			MaxDelayMS:        30000,
			BackoffMultiplier: 2.0,
		},
		RateLimit: RateLimit{
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			RequestsPerDay:    10000,
			Burst:             10,
		},
		Proxy: Proxy{
			RotationIntervalSeconds: 300,
			HealthIntervalSeconds:   60,
			ProbeURL:                "https://www.gstatic.com/generate_204",
			ProbeTimeoutSeconds:     10,
			ProbeConcurrency:        5,
		},
		Providers: make(map[string]Provider),
	}
}

// Load reads the configuration file and applies environment overrides.
// An empty path or a missing file yields the defaults without error;
// a file that exists but cannot be parsed is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv lets deployment environments override the file.
func applyEnv(cfg *Config) {
	overrideString(&cfg.LogLevel, "OUTBOUND_LOG_LEVEL")
	overrideString(&cfg.Listen, "OUTBOUND_LISTEN")
	overrideString(&cfg.Redis.Addr, "OUTBOUND_REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "OUTBOUND_REDIS_PASSWORD")
	overrideInt(&cfg.Redis.DB, "OUTBOUND_REDIS_DB")
}

func overrideString(target *string, name string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func overrideInt(target *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// Validate checks the fields the composition root cannot default away.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address required")
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url required", name)
		}
	}
	for _, ep := range c.Proxy.Endpoints {
		if ep.Host == "" || len(ep.Ports) == 0 {
			return fmt.Errorf("proxy endpoint %q: host and ports required", ep.Host)
		}
	}
	return nil
}
