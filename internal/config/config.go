// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the gateway configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Load balancing strategy names accepted by router.strategy.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
	StrategyWeightedRandom   = "weighted_random"
)

// Probe kinds accepted by health.probe.
const (
	ProbeHTTP = "http"
	ProbeMCP  = "mcp"
)

// Store driver names accepted by store.driver.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Health    HealthConfig    `yaml:"health"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Router    RouterConfig    `yaml:"router"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Store     StoreConfig     `yaml:"store"`
	Audit     AuditConfig     `yaml:"audit"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// Servers are registered at startup unless a server with the same
	// name already exists in the tenant scope.
	Servers []ServerEntry `yaml:"servers,omitempty"`
}

// ServerConfig configures the HTTP transport in front of the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on.
	// Environment: MCPGATEWAY_LISTEN_ADDR
	// Default: :8080
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// MaxBodyBytes caps inbound request payloads.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"source"`
}

// HealthConfig configures the background health monitor.
type HealthConfig struct {
	// Interval is the time between probe rounds.
	Interval time.Duration `yaml:"interval"`

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// UnhealthyThreshold is the number of consecutive failures that marks a server UNHEALTHY.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`

	// HealthyThreshold is the number of consecutive successes that marks a server HEALTHY.
	HealthyThreshold int `yaml:"healthy_threshold"`

	// Concurrency caps the number of probes in flight per round.
	Concurrency int `yaml:"concurrency"`

	// Probe selects the probe used for HTTP servers: "http" issues a GET,
	// "mcp" performs an MCP initialize and ping.
	Probe string `yaml:"probe"`
}

// CircuitConfig configures the per-server circuit breaker.
type CircuitConfig struct {
	// FailureThreshold is the number of failures within Window that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// Window is the rolling window failures are counted in.
	Window time.Duration `yaml:"window"`

	// Cooldown is how long an open circuit rejects calls.
	Cooldown time.Duration `yaml:"cooldown"`

	// HalfOpenSuccesses is the number of consecutive trial successes that closes the circuit.
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

// BucketConfig describes a token bucket.
type BucketConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// OverrideConfig holds per-key bucket overrides.
type OverrideConfig struct {
	Tenants map[string]BucketConfig `yaml:"tenants,omitempty"`
	Users   map[string]BucketConfig `yaml:"users,omitempty"`
}

// RateLimitConfig configures the three-scope rate limiter.
type RateLimitConfig struct {
	User   BucketConfig `yaml:"user"`
	Tenant BucketConfig `yaml:"tenant"`
	Global BucketConfig `yaml:"global"`

	// TenantShare caps any tenant at this fraction of the global bucket.
	// 0 disables the fairness cap.
	TenantShare float64 `yaml:"tenant_share"`

	// IdleTTL is how long an untouched bucket survives before eviction.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	Overrides OverrideConfig `yaml:"overrides,omitempty"`
}

// RouterConfig configures candidate selection.
type RouterConfig struct {
	// Strategy is one of round_robin, least_connections, weighted_random.
	// Environment: MCPGATEWAY_ROUTER_STRATEGY
	Strategy string `yaml:"strategy"`

	// MaxCandidates caps the primary + fallback list. 0 means unlimited.
	MaxCandidates int `yaml:"max_candidates"`

	// PreferHealthy orders HEALTHY servers ahead of UNKNOWN and DEGRADED ones.
	PreferHealthy bool `yaml:"prefer_healthy"`
}

// ProxyConfig configures backend dispatch.
type ProxyConfig struct {
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	UserAgent        string        `yaml:"user_agent"`
}

// StoreConfig configures registry persistence.
type StoreConfig struct {
	// Driver is memory or sqlite.
	Driver string `yaml:"driver"`

	// Path is the sqlite database file.
	// Environment: MCPGATEWAY_STORE_PATH
	Path string `yaml:"path"`

	// FlushInterval is how often pending registry writes are flushed.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AuditConfig configures the event sink.
type AuditConfig struct {
	// Buffer is the capacity of the async event queue; events beyond it are dropped.
	Buffer int `yaml:"buffer"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`

	// Exporter is stdout, otlp-grpc or otlp-http. Empty keeps spans in process.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector address (host:port).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty"`
}

// ServerEntry is a backend server declared in the configuration file.
type ServerEntry struct {
	Name      string   `yaml:"name"`
	Endpoint  string   `yaml:"endpoint"`
	Transport string   `yaml:"transport,omitempty"`
	Tools     []string `yaml:"tools,omitempty"`
	Resources []string `yaml:"resources,omitempty"`
	Tags      []string `yaml:"tags,omitempty"`
	TenantID  string   `yaml:"tenant_id,omitempty"`
	Version   string   `yaml:"version,omitempty"`
	Weight    float64  `yaml:"weight,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			ShutdownTimeout:   10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			MaxBodyBytes:      4 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Health: HealthConfig{
			Interval:           30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			UnhealthyThreshold: 3,
			HealthyThreshold:   2,
			Concurrency:        16,
			Probe:              ProbeHTTP,
		},
		Circuit: CircuitConfig{
			FailureThreshold:  5,
			Window:            60 * time.Second,
			Cooldown:          30 * time.Second,
			HalfOpenSuccesses: 2,
		},
		RateLimit: RateLimitConfig{
			User:        BucketConfig{Capacity: 20, RefillPerSecond: 10},
			Tenant:      BucketConfig{Capacity: 100, RefillPerSecond: 50},
			Global:      BucketConfig{Capacity: 1000, RefillPerSecond: 500},
			TenantShare: 0.3,
			IdleTTL:     10 * time.Minute,
		},
		Router: RouterConfig{
			Strategy:      StrategyRoundRobin,
			MaxCandidates: 3,
			PreferHealthy: true,
		},
		Proxy: ProxyConfig{
			DefaultTimeout:   30 * time.Second,
			MaxTimeout:       120 * time.Second,
			MaxResponseBytes: 8 << 20,
			UserAgent:        "mcpgateway/1.0",
		},
		Store: StoreConfig{
			Driver:        StoreMemory,
			Path:          "mcpgateway.db",
			FlushInterval: time.Second,
		},
		Audit: AuditConfig{
			Buffer: 1024,
		},
		Tracing: TracingConfig{
			ServiceName: "mcpgateway",
		},
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over file-based configuration.
// If configPath is empty, defaults plus environment are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &gwerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &gwerrors.ConfigError{Key: "config_file", Reason: "failed to parse YAML", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("MCPGATEWAY_LISTEN_ADDR"); val != "" {
		c.Server.ListenAddr = val
	}
	if val := os.Getenv("MCPGATEWAY_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("MCPGATEWAY_STORE_DRIVER"); val != "" {
		c.Store.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("MCPGATEWAY_ROUTER_STRATEGY"); val != "" {
		c.Router.Strategy = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks the configuration and returns a *errors.ConfigError
// naming the first offending key.
func (c *Config) Validate() error {
	invalid := func(key, reason string) error {
		return &gwerrors.ConfigError{Key: key, Reason: reason, Cause: ErrInvalidConfig}
	}

	if c.Server.ListenAddr == "" {
		return invalid("server.listen_addr", "must not be empty")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return invalid("server.max_body_bytes", "must be > 0")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format", fmt.Sprintf("unknown format %q (must be json or text)", c.Log.Format))
	}

	if c.Health.Interval <= 0 {
		return invalid("health.interval", "must be > 0")
	}
	if c.Health.ProbeTimeout <= 0 {
		return invalid("health.probe_timeout", "must be > 0")
	}
	if c.Health.UnhealthyThreshold < 1 {
		return invalid("health.unhealthy_threshold", "must be >= 1")
	}
	if c.Health.HealthyThreshold < 1 {
		return invalid("health.healthy_threshold", "must be >= 1")
	}
	if c.Health.Concurrency < 1 {
		return invalid("health.concurrency", "must be >= 1")
	}
	switch c.Health.Probe {
	case ProbeHTTP, ProbeMCP:
	default:
		return invalid("health.probe", fmt.Sprintf("unknown probe %q (must be http or mcp)", c.Health.Probe))
	}

	if c.Circuit.FailureThreshold < 1 {
		return invalid("circuit.failure_threshold", "must be >= 1")
	}
	if c.Circuit.Cooldown <= 0 {
		return invalid("circuit.cooldown", "must be > 0")
	}
	if c.Circuit.HalfOpenSuccesses < 1 {
		return invalid("circuit.half_open_successes", "must be >= 1")
	}
	if c.Circuit.Window < 0 {
		return invalid("circuit.window", "must be >= 0")
	}

	if err := c.RateLimit.Validate(); err != nil {
		return err
	}

	switch c.Router.Strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeightedRandom:
	default:
		return invalid("router.strategy", fmt.Sprintf("unknown strategy %q", c.Router.Strategy))
	}
	if c.Router.MaxCandidates < 0 {
		return invalid("router.max_candidates", "must be >= 0")
	}

	if c.Proxy.DefaultTimeout <= 0 {
		return invalid("proxy.default_timeout", "must be > 0")
	}
	if c.Proxy.MaxTimeout < c.Proxy.DefaultTimeout {
		return invalid("proxy.max_timeout", "must be >= proxy.default_timeout")
	}
	if c.Proxy.MaxResponseBytes <= 0 {
		return invalid("proxy.max_response_bytes", "must be > 0")
	}
	if c.Proxy.UserAgent == "" {
		return invalid("proxy.user_agent", "must not be empty")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return invalid("store.path", "required when store.driver is sqlite")
		}
	default:
		return invalid("store.driver", fmt.Sprintf("unknown driver %q (must be memory or sqlite)", c.Store.Driver))
	}
	if c.Store.FlushInterval <= 0 {
		return invalid("store.flush_interval", "must be > 0")
	}

	if c.Audit.Buffer < 1 {
		return invalid("audit.buffer", "must be >= 1")
	}

	switch c.Tracing.Exporter {
	case "", "stdout":
	case "otlp-grpc", "otlp-http":
		if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
			return invalid("tracing.endpoint", "required for OTLP exporters")
		}
	default:
		return invalid("tracing.exporter", fmt.Sprintf("unknown exporter %q (must be stdout, otlp-grpc or otlp-http)", c.Tracing.Exporter))
	}

	for i, s := range c.Servers {
		key := fmt.Sprintf("servers[%d]", i)
		if s.Name == "" {
			return invalid(key+".name", "must not be empty")
		}
		u, err := url.Parse(s.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalid(key+".endpoint", fmt.Sprintf("invalid URL %q", s.Endpoint))
		}
		if s.Weight < 0 {
			return invalid(key+".weight", "must be >= 0")
		}
	}

	return nil
}

// Validate checks the rate limit block on its own so hot reloads can reuse it.
func (r *RateLimitConfig) Validate() error {
	invalid := func(key, reason string) error {
		return &gwerrors.ConfigError{Key: key, Reason: reason, Cause: ErrInvalidConfig}
	}

	buckets := []struct {
		key string
		b   BucketConfig
	}{
		{"rate_limit.user", r.User},
		{"rate_limit.tenant", r.Tenant},
		{"rate_limit.global", r.Global},
	}
	for name, b := range r.Overrides.Tenants {
		buckets = append(buckets, struct {
			key string
			b   BucketConfig
		}{"rate_limit.overrides.tenants." + name, b})
	}
	for name, b := range r.Overrides.Users {
		buckets = append(buckets, struct {
			key string
			b   BucketConfig
		}{"rate_limit.overrides.users." + name, b})
	}

	for _, bc := range buckets {
		if bc.b.Capacity < 1 {
			return invalid(bc.key+".capacity", "must be >= 1")
		}
		if bc.b.RefillPerSecond <= 0 {
			return invalid(bc.key+".refill_per_second", "must be > 0")
		}
	}

	if r.TenantShare < 0 || r.TenantShare > 1 {
		return invalid("rate_limit.tenant_share", "must be between 0 and 1")
	}
	if r.TenantShare > 0 && r.TenantShare*r.Global.Capacity < 1 {
		return invalid("rate_limit.tenant_share", "leaves tenants less than one token of capacity")
	}
	if r.IdleTTL < 0 {
		return invalid("rate_limit.idle_ttl", "must be >= 0")
	}
	return nil
}
