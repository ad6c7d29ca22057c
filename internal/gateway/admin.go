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
	"context"
	"sort"
	"time"

	"github.com/tombee/mcpgateway/internal/circuit"
	"github.com/tombee/mcpgateway/internal/health"
	"github.com/tombee/mcpgateway/internal/registry"
)

// Register adds a server and returns its id.
func (g *Gateway) Register(ctx context.Context, rec registry.ServerRecord) (string, error) {
	return g.registry.Register(ctx, rec)
}

// Update replaces the server with the given id.
func (g *Gateway) Update(ctx context.Context, id string, rec registry.ServerRecord) error {
	return g.registry.Update(ctx, id, rec)
}

// Deregister removes a server. A second call for the same id returns a
// *errors.NotFoundError.
func (g *Gateway) Deregister(ctx context.Context, id string) error {
	return g.registry.Deregister(ctx, id)
}

// Get returns one server.
func (g *Gateway) Get(id string) (registry.ServerRecord, error) {
	return g.registry.Get(id)
}

// List returns the servers matching f, sorted by id.
func (g *Gateway) List(f registry.Filter) []registry.ServerRecord {
	return g.registry.List(f)
}

// ServerSnapshot is the live view of one server.
type ServerSnapshot struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	TenantID  string             `json:"tenant_id,omitempty"`
	Endpoint  string             `json:"endpoint"`
	Transport registry.Transport `json:"transport"`
	Health    health.State       `json:"health"`
	Circuit   circuit.Snapshot   `json:"circuit"`
	InFlight  int                `json:"inflight"`
}

// Snapshot is a point-in-time view of every server plus gateway counters.
type Snapshot struct {
	TakenAt          time.Time                 `json:"taken_at"`
	Servers          map[string]ServerSnapshot `json:"servers"`
	RateLimitBuckets int                       `json:"rate_limit_buckets"`
	AuditDropped     uint64                    `json:"audit_dropped"`
	PendingWrites    int                       `json:"pending_writes"`
}

// Snapshot reads health, circuit and in-flight state for every server.
// Each value is read independently, so the view is not atomic across servers.
func (g *Gateway) Snapshot() Snapshot {
	servers := g.registry.List(registry.Filter{AllTenants: true})
	snap := Snapshot{
		TakenAt:          g.now(),
		Servers:          make(map[string]ServerSnapshot, len(servers)),
		RateLimitBuckets: g.limiter.Len(),
		AuditDropped:     g.auditSink.Dropped(),
		PendingWrites:    g.registry.Pending(),
	}
	inflight := g.router.InFlight()
	for _, rec := range servers {
		snap.Servers[rec.ID] = ServerSnapshot{
			ID:        rec.ID,
			Name:      rec.Name,
			TenantID:  rec.TenantID,
			Endpoint:  rec.Endpoint,
			Transport: rec.Transport,
			Health:    g.monitor.State(rec.ID),
			Circuit:   g.breaker.State(rec.ID),
			InFlight:  inflight.Count(rec.ID),
		}
	}
	return snap
}

// ServerIDs returns the snapshot's server ids in sorted order.
func (s Snapshot) ServerIDs() []string {
	ids := make([]string, 0, len(s.Servers))
	for id := range s.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
