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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 3, cfg.Health.UnhealthyThreshold)
	assert.Equal(t, 2, cfg.Health.HealthyThreshold)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Circuit.Cooldown)
	assert.Equal(t, StrategyRoundRobin, cfg.Router.Strategy)
	assert.True(t, cfg.Router.PreferHealthy)
	assert.Equal(t, 0.3, cfg.RateLimit.TenantShare)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantKey string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "unknown strategy",
			modify:  func(c *Config) { c.Router.Strategy = "fastest" },
			wantKey: "router.strategy",
		},
		{
			name:    "zero health interval",
			modify:  func(c *Config) { c.Health.Interval = 0 },
			wantKey: "health.interval",
		},
		{
			name:    "max timeout below default",
			modify:  func(c *Config) { c.Proxy.MaxTimeout = time.Second },
			wantKey: "proxy.max_timeout",
		},
		{
			name:    "user bucket without capacity",
			modify:  func(c *Config) { c.RateLimit.User.Capacity = 0 },
			wantKey: "rate_limit.user.capacity",
		},
		{
			name: "override without refill",
			modify: func(c *Config) {
				c.RateLimit.Overrides.Tenants = map[string]BucketConfig{"acme": {Capacity: 5}}
			},
			wantKey: "rate_limit.overrides.tenants.acme.refill_per_second",
		},
		{
			name:    "tenant share above one",
			modify:  func(c *Config) { c.RateLimit.TenantShare = 1.5 },
			wantKey: "rate_limit.tenant_share",
		},
		{
			name:    "sqlite without path",
			modify:  func(c *Config) { c.Store.Driver = StoreSQLite; c.Store.Path = "" },
			wantKey: "store.path",
		},
		{
			name:    "unknown trace exporter",
			modify:  func(c *Config) { c.Tracing.Exporter = "zipkin" },
			wantKey: "tracing.exporter",
		},
		{
			name: "otlp without endpoint",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp-grpc"
			},
			wantKey: "tracing.endpoint",
		},
		{
			name:    "unknown store driver",
			modify:  func(c *Config) { c.Store.Driver = "redis" },
			wantKey: "store.driver",
		},
		{
			name: "server with relative endpoint",
			modify: func(c *Config) {
				c.Servers = []ServerEntry{{Name: "a", Endpoint: "/mcp"}}
			},
			wantKey: "servers[0].endpoint",
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantKey: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var cfgErr *gwerrors.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantKey, cfgErr.Key)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
server:
  listen_addr: ":9090"
router:
  strategy: least_connections
  max_candidates: 2
rate_limit:
  tenant_share: 0.5
  overrides:
    tenants:
      acme:
        capacity: 10
        refill_per_second: 1
servers:
  - name: search
    endpoint: http://search.internal:8000/mcp
    tools: [search, fetch]
    weight: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, StrategyLeastConnections, cfg.Router.Strategy)
	assert.Equal(t, 2, cfg.Router.MaxCandidates)
	assert.Equal(t, 0.5, cfg.RateLimit.TenantShare)
	assert.Equal(t, BucketConfig{Capacity: 10, RefillPerSecond: 1}, cfg.RateLimit.Overrides.Tenants["acme"])
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, []string{"search", "fetch"}, cfg.Servers[0].Tools)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Proxy.DefaultTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	var cfgErr *gwerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":9090\"\n"), 0o600))

	t.Setenv("MCPGATEWAY_LISTEN_ADDR", ":7070")
	t.Setenv("MCPGATEWAY_ROUTER_STRATEGY", "WEIGHTED_RANDOM")
	t.Setenv("MCPGATEWAY_STORE_PATH", "/var/lib/gw.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.Equal(t, StrategyWeightedRandom, cfg.Router.Strategy)
	assert.Equal(t, "/var/lib/gw.db", cfg.Store.Path)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unclosed"))
	require.Error(t, err)
}
