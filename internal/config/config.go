// Package config handles gateway configuration: the main YAML file with
// environment variable expansion, and the per-route whitelist and
// CU-pricing stores with TTL caching.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Quota     QuotaConfig     `yaml:"quota"`
	Guard     GuardConfig     `yaml:"guard"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Usage     UsageConfig     `yaml:"usage"`
	Routes    []RouteConfig   `yaml:"routes"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection and pool settings.
type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	PoolSize        int           `yaml:"pool_size"`
	MinIdleConns    int           `yaml:"min_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout"` // hard per-call budget
}

// RateLimitConfig holds sliding-window limiter settings.
type RateLimitConfig struct {
	WindowMs         int64 `yaml:"window_ms"`
	AllowDegradation bool  `yaml:"allow_degradation"` // fail-open when Redis is down
}

// QuotaConfig holds monthly quota settings. Monthly enforcement is
// fail-closed unless AllowDegradation is set (revenue-critical default).
type QuotaConfig struct {
	AllowDegradation bool  `yaml:"allow_degradation"`
	PaidThreshold    int64 `yaml:"paid_threshold"` // monthly CU above which a consumer is paid tier
}

// GuardConfig holds the early-exit block lists.
type GuardConfig struct {
	Enabled          bool     `yaml:"enabled"`
	BlockedIPs       []string `yaml:"blocked_ips"`
	BlockedConsumers []string `yaml:"blocked_consumers"`
	BlockedMethods   []string `yaml:"blocked_methods"` // exact or prefix-with-*
	BlockMessage     string   `yaml:"block_message"`
}

// AuthConfig seeds the API-key authenticator.
type AuthConfig struct {
	Keys []KeyEntry `yaml:"keys"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name         string `yaml:"name"`
	Key          string `yaml:"key"` // plaintext, typically ${ENV}; hashed at load
	SecondsQuota int64  `yaml:"seconds_quota"`
	MonthlyQuota int64  `yaml:"monthly_quota"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// UsageConfig controls asynchronous usage recording.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"` // SQLite file path or ":memory:"
}

// RouteConfig binds one logical route to its whitelist, pricing, and
// upstream targets. Two routes may reference distinct files; their
// cache entries never interfere.
type RouteConfig struct {
	ID              string                   `yaml:"id"`
	NetworkOverride string                   `yaml:"network_override"` // skips host extraction when set
	WhitelistFile   string                   `yaml:"whitelist_file"`
	CUPricingFile   string                   `yaml:"cu_pricing_file"`
	ConfigTTL       time.Duration            `yaml:"config_ttl"` // 0 disables caching
	AllowPartial    bool                     `yaml:"allow_partial"`
	Upstreams       map[string]UpstreamEntry `yaml:"upstreams"` // network -> target
}

// UpstreamEntry is a forwarding target for one network.
type UpstreamEntry struct {
	HTTPURL     string        `yaml:"http_url"`
	WSURL       string        `yaml:"ws_url"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	InsecureTLS bool          `yaml:"insecure_tls"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses the gateway YAML config, expanding environment
// variables and overlaying the file onto defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			PoolSize:        100,
			MinIdleConns:    5,
			ConnMaxIdleTime: 10 * time.Second,
			DialTimeout:     time.Second,
			CallTimeout:     time.Second,
		},
		RateLimit: RateLimitConfig{
			WindowMs:         1000,
			AllowDegradation: true,
		},
		Quota: QuotaConfig{
			AllowDegradation: false,
			PaidThreshold:    1_000_000,
		},
		Guard: GuardConfig{
			BlockMessage: "access temporarily blocked",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("route %q: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if r.WhitelistFile == "" {
			return fmt.Errorf("route %q: whitelist_file is required", r.ID)
		}
	}
	if c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("rate_limit.window_ms must be positive")
	}
	return nil
}

// Route returns the route with the given id, or nil.
func (c *Config) Route(id string) *RouteConfig {
	for i := range c.Routes {
		if c.Routes[i].ID == id {
			return &c.Routes[i]
		}
	}
	return nil
}
