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

// Package router selects and orders backend servers for a request.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tombee/mcpgateway/internal/health"
	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/registry"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
)

// RouteRequest describes one inbound call to be routed.
type RouteRequest struct {
	TenantID string
	UserID   string
	Method   string

	RequiredTools     []string
	RequiredResources []string

	// PreferredServerIDs are placed first, in this order, when they
	// survive filtering.
	PreferredServerIDs []string

	// Timeout is the per-attempt deadline requested by the caller.
	Timeout time.Duration
}

// RouteDecision is the ordered candidate list: primary first, then fallbacks.
type RouteDecision struct {
	Candidates []string
	Strategy   string
}

// Primary returns the first candidate.
func (d RouteDecision) Primary() string {
	if len(d.Candidates) == 0 {
		return ""
	}
	return d.Candidates[0]
}

// ServerSource lists registered servers.
type ServerSource interface {
	List(f registry.Filter) []registry.ServerRecord
}

// HealthSource reports server health.
type HealthSource interface {
	State(id string) health.State
}

// CircuitSource reports whether a server's circuit admits calls without
// acquiring a half-open trial.
type CircuitSource interface {
	Peek(id string) bool
}

// Config configures a Router.
type Config struct {
	// Strategy orders the non-preferred candidates.
	Strategy Strategy

	// MaxCandidates truncates the decision. 0 means unlimited.
	MaxCandidates int

	// PreferHealthy moves HEALTHY candidates ahead of UNKNOWN and DEGRADED
	// ones, keeping the strategy's order within each tier.
	PreferHealthy bool
}

// Router builds RouteDecisions. It is safe for concurrent use.
type Router struct {
	cfg      Config
	servers  ServerSource
	health   HealthSource
	circuits CircuitSource
	inflight *InFlight
	logger   *slog.Logger
}

// New creates a Router. inflight may be nil when the strategy does not
// need connection counts.
func New(cfg Config, servers ServerSource, hs HealthSource, cs CircuitSource, inflight *InFlight, logger *slog.Logger) (*Router, error) {
	if servers == nil || hs == nil || cs == nil {
		return nil, fmt.Errorf("router: server, health and circuit sources are required")
	}
	if cfg.Strategy == nil {
		cfg.Strategy = newRoundRobin()
	}
	if inflight == nil {
		inflight = NewInFlight()
	}
	return &Router{
		cfg:      cfg,
		servers:  servers,
		health:   hs,
		circuits: cs,
		inflight: inflight,
		logger:   gwlog.WithComponent(gwlog.Or(logger), "router"),
	}, nil
}

// InFlight returns the tracker the router ranks on.
func (r *Router) InFlight() *InFlight { return r.inflight }

// Route filters the catalog by tenant visibility and capability, drops
// UNHEALTHY servers and servers whose circuit rejects calls, and orders
// the rest. An empty result is a *errors.NoCandidateError.
func (r *Router) Route(ctx context.Context, req RouteRequest) (RouteDecision, error) {
	if err := ctx.Err(); err != nil {
		return RouteDecision{}, err
	}

	matched := r.servers.List(registry.Filter{
		TenantID:          req.TenantID,
		RequiredTools:     req.RequiredTools,
		RequiredResources: req.RequiredResources,
	})
	if len(matched) == 0 {
		return RouteDecision{}, r.noCandidate(req, "no registered server matches the requested capabilities")
	}

	cands := make([]Candidate, 0, len(matched))
	for _, rec := range matched {
		st := r.health.State(rec.ID)
		if st.Status == health.StatusUnhealthy {
			continue
		}
		if !r.circuits.Peek(rec.ID) {
			continue
		}
		cands = append(cands, Candidate{Record: rec, Health: st, InFlight: r.inflight.Count(rec.ID)})
	}
	if len(cands) == 0 {
		return RouteDecision{}, r.noCandidate(req,
			fmt.Sprintf("all %d matching servers are unhealthy or circuit-open", len(matched)))
	}

	preferred, rest := splitPreferred(cands, req.PreferredServerIDs)

	ordered := r.cfg.Strategy.Order(capabilityKey(req.TenantID, matched), rest)
	if r.cfg.PreferHealthy {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Health.Status.Tier() < ordered[j].Health.Status.Tier()
		})
	}

	ids := make([]string, 0, len(cands))
	for _, c := range preferred {
		ids = append(ids, c.Record.ID)
	}
	for _, c := range ordered {
		ids = append(ids, c.Record.ID)
	}
	if r.cfg.MaxCandidates > 0 && len(ids) > r.cfg.MaxCandidates {
		ids = ids[:r.cfg.MaxCandidates]
	}

	gwlog.Trace(ctx, r.logger, "route decided",
		slog.String(gwlog.TenantIDKey, req.TenantID),
		slog.String(gwlog.MethodKey, req.Method),
		slog.Any("candidates", ids),
	)

	return RouteDecision{Candidates: ids, Strategy: r.cfg.Strategy.Name()}, nil
}

func (r *Router) noCandidate(req RouteRequest, reason string) error {
	r.logger.Debug("no candidate",
		slog.String(gwlog.TenantIDKey, req.TenantID),
		slog.String(gwlog.MethodKey, req.Method),
		slog.String("reason", reason),
	)
	return &gwerrors.NoCandidateError{
		TenantID:  req.TenantID,
		Tools:     req.RequiredTools,
		Resources: req.RequiredResources,
		Reason:    reason,
	}
}

// splitPreferred pulls the preferred ids out of cands in caller order.
func splitPreferred(cands []Candidate, preferred []string) (first, rest []Candidate) {
	if len(preferred) == 0 {
		return nil, cands
	}

	byID := make(map[string]int, len(cands))
	for i, c := range cands {
		byID[c.Record.ID] = i
	}

	taken := make(map[string]bool, len(preferred))
	for _, id := range preferred {
		if i, ok := byID[id]; ok && !taken[id] {
			first = append(first, cands[i])
			taken[id] = true
		}
	}
	for _, c := range cands {
		if !taken[c.Record.ID] {
			rest = append(rest, c)
		}
	}
	return first, rest
}

// capabilityKey identifies the capability being routed by the set of
// servers that serve it. Requests naming different tools or resource URIs
// that resolve to the same servers share one rotation.
func capabilityKey(tenantID string, matched []registry.ServerRecord) string {
	ids := make([]string, len(matched))
	for i, rec := range matched {
		ids[i] = rec.ID
	}
	sort.Strings(ids)
	return tenantID + "|" + strings.Join(ids, ",")
}
