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

package gateway

import (
	"github.com/tombee/mcpgateway/internal/circuit"
	"github.com/tombee/mcpgateway/internal/config"
	"github.com/tombee/mcpgateway/internal/health"
	"github.com/tombee/mcpgateway/internal/ratelimit"
	"github.com/tombee/mcpgateway/internal/registry"
)

// LimitsFromConfig converts the rate_limit block to limiter settings.
func LimitsFromConfig(c config.RateLimitConfig) ratelimit.Limits {
	bucket := func(b config.BucketConfig) ratelimit.Bucket {
		return ratelimit.Bucket{Capacity: b.Capacity, RefillPerSecond: b.RefillPerSecond}
	}
	overrides := func(m map[string]config.BucketConfig) map[string]ratelimit.Bucket {
		if len(m) == 0 {
			return nil
		}
		out := make(map[string]ratelimit.Bucket, len(m))
		for k, v := range m {
			out[k] = bucket(v)
		}
		return out
	}
	return ratelimit.Limits{
		User:            bucket(c.User),
		Tenant:          bucket(c.Tenant),
		Global:          bucket(c.Global),
		TenantShare:     c.TenantShare,
		TenantOverrides: overrides(c.Overrides.Tenants),
		UserOverrides:   overrides(c.Overrides.Users),
	}
}

func circuitConfig(c config.CircuitConfig) circuit.Config {
	return circuit.Config{
		FailureThreshold:  c.FailureThreshold,
		Window:            c.Window,
		Cooldown:          c.Cooldown,
		HalfOpenSuccesses: c.HalfOpenSuccesses,
	}
}

func healthConfig(c config.HealthConfig) health.Config {
	return health.Config{
		Interval:     c.Interval,
		ProbeTimeout: c.ProbeTimeout,
		Concurrency:  c.Concurrency,
		Thresholds: health.Thresholds{
			Unhealthy: c.UnhealthyThreshold,
			Healthy:   c.HealthyThreshold,
		},
	}
}

func recordFromEntry(e config.ServerEntry) registry.ServerRecord {
	return registry.ServerRecord{
		Name:      e.Name,
		Endpoint:  e.Endpoint,
		Transport: registry.Transport(e.Transport),
		Tools:     e.Tools,
		Resources: e.Resources,
		Tags:      e.Tags,
		TenantID:  e.TenantID,
		Version:   e.Version,
		Weight:    e.Weight,
	}
}
