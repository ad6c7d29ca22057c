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

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpgateway/internal/health"
	"github.com/tombee/mcpgateway/internal/registry"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
)

type fakeHealth struct {
	mu     sync.Mutex
	states map[string]health.State
}

func (h *fakeHealth) State(id string) health.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[id]; ok {
		return s
	}
	return health.State{Status: health.StatusUnknown}
}

func (h *fakeHealth) set(id string, st health.Status, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.states == nil {
		h.states = map[string]health.State{}
	}
	h.states[id] = health.State{Status: st, LastLatency: latency}
}

type fakeCircuits struct {
	open map[string]bool
}

func (c *fakeCircuits) Peek(id string) bool { return !c.open[id] }

type fixture struct {
	reg      *registry.Registry
	health   *fakeHealth
	circuits *fakeCircuits
	ids      []string
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	seq := 0
	reg := registry.New(registry.Options{IDGenerator: func() string {
		seq++
		return fmt.Sprintf("srv-%d", seq)
	}})
	f := &fixture{reg: reg, health: &fakeHealth{}, circuits: &fakeCircuits{open: map[string]bool{}}}
	for i := 0; i < n; i++ {
		id, err := reg.Register(context.Background(), registry.ServerRecord{
			Name:     fmt.Sprintf("s%d", i),
			Endpoint: "http://h",
			Tools:    []string{"search"},
		})
		require.NoError(t, err)
		f.ids = append(f.ids, id)
	}
	return f
}

func (f *fixture) router(t *testing.T, cfg Config) *Router {
	t.Helper()
	r, err := New(cfg, f.reg, f.health, f.circuits, nil, nil)
	require.NoError(t, err)
	return r
}

func searchReq() RouteRequest {
	return RouteRequest{TenantID: "acme", Method: "tools/call", RequiredTools: []string{"search"}}
}

func TestRoute_RoundRobinDistributesEvenly(t *testing.T) {
	f := newFixture(t, 3)
	r := f.router(t, Config{Strategy: newRoundRobin()})

	primaries := map[string]int{}
	for i := 0; i < 6; i++ {
		d, err := r.Route(context.Background(), searchReq())
		require.NoError(t, err)
		require.Len(t, d.Candidates, 3)
		primaries[d.Primary()]++
	}

	assert.Len(t, primaries, 3)
	for id, n := range primaries {
		assert.Equal(t, 2, n, "server %s", id)
	}
}

func TestRoute_RoundRobinCursorPerCapability(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.reg.Register(context.Background(), registry.ServerRecord{
		Name: "fetcher", Endpoint: "http://h", Tools: []string{"fetch"},
	})
	require.NoError(t, err)
	r := f.router(t, Config{Strategy: newRoundRobin()})
	ctx := context.Background()

	first, err := r.Route(ctx, searchReq())
	require.NoError(t, err)

	// Routing another capability does not advance the search cursor.
	_, err = r.Route(ctx, RouteRequest{TenantID: "acme", RequiredTools: []string{"fetch"}})
	require.NoError(t, err)

	second, err := r.Route(ctx, searchReq())
	require.NoError(t, err)
	assert.NotEqual(t, first.Primary(), second.Primary())
}

func TestRoute_RoundRobinSpreadsDistinctResourceURIs(t *testing.T) {
	seq := 0
	reg := registry.New(registry.Options{IDGenerator: func() string {
		seq++
		return fmt.Sprintf("srv-%d", seq)
	}})
	for i := 0; i < 3; i++ {
		_, err := reg.Register(context.Background(), registry.ServerRecord{
			Name:      fmt.Sprintf("files-%d", i),
			Endpoint:  "http://h",
			Resources: []string{"file:///data/*"},
		})
		require.NoError(t, err)
	}
	rr := newRoundRobin()
	r, err := New(Config{Strategy: rr}, reg, &fakeHealth{}, &fakeCircuits{open: map[string]bool{}}, nil, nil)
	require.NoError(t, err)

	primaries := map[string]int{}
	for i := 0; i < 600; i++ {
		d, err := r.Route(context.Background(), RouteRequest{
			TenantID:          "acme",
			Method:            "resources/read",
			RequiredResources: []string{fmt.Sprintf("file:///data/%d.txt", i)},
		})
		require.NoError(t, err)
		primaries[d.Primary()]++
	}

	assert.Equal(t, map[string]int{"srv-1": 200, "srv-2": 200, "srv-3": 200}, primaries)
	assert.Len(t, rr.cursors, 1)
}

func TestRoute_ExcludesUnhealthyAndOpenCircuits(t *testing.T) {
	f := newFixture(t, 3)
	f.health.set(f.ids[0], health.StatusUnhealthy, 0)
	f.circuits.open[f.ids[1]] = true
	r := f.router(t, Config{Strategy: newRoundRobin()})

	for i := 0; i < 5; i++ {
		d, err := r.Route(context.Background(), searchReq())
		require.NoError(t, err)
		assert.Equal(t, []string{f.ids[2]}, d.Candidates)
	}
}

func TestRoute_NoCandidate(t *testing.T) {
	f := newFixture(t, 2)
	r := f.router(t, Config{})

	_, err := r.Route(context.Background(), RouteRequest{TenantID: "acme", RequiredTools: []string{"delete"}})
	var nc *gwerrors.NoCandidateError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, []string{"delete"}, nc.Tools)
	assert.False(t, nc.IsRetryable())

	for _, id := range f.ids {
		f.health.set(id, health.StatusUnhealthy, 0)
	}
	_, err = r.Route(context.Background(), searchReq())
	require.True(t, errors.As(err, &nc))
	assert.Contains(t, nc.Reason, "unhealthy or circuit-open")
}

func TestRoute_PreferredFirstInCallerOrder(t *testing.T) {
	f := newFixture(t, 4)
	f.circuits.open[f.ids[1]] = true
	r := f.router(t, Config{Strategy: newRoundRobin()})

	req := searchReq()
	req.PreferredServerIDs = []string{f.ids[3], "does-not-exist", f.ids[1], f.ids[0]}

	d, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, d.Candidates, 3)
	assert.Equal(t, []string{f.ids[3], f.ids[0]}, d.Candidates[:2])
	assert.Equal(t, f.ids[2], d.Candidates[2])
}

func TestRoute_PreferHealthy(t *testing.T) {
	f := newFixture(t, 3)
	f.health.set(f.ids[0], health.StatusDegraded, 0)
	f.health.set(f.ids[1], health.StatusHealthy, 0)
	// ids[2] stays UNKNOWN.
	r := f.router(t, Config{Strategy: newRoundRobin(), PreferHealthy: true})

	for i := 0; i < 3; i++ {
		d, err := r.Route(context.Background(), searchReq())
		require.NoError(t, err)
		assert.Equal(t, []string{f.ids[1], f.ids[2], f.ids[0]}, d.Candidates)
	}
}

func TestRoute_MaxCandidates(t *testing.T) {
	f := newFixture(t, 5)
	r := f.router(t, Config{MaxCandidates: 2})

	d, err := r.Route(context.Background(), searchReq())
	require.NoError(t, err)
	assert.Len(t, d.Candidates, 2)
	assert.Equal(t, RoundRobin, d.Strategy)
}

func TestRoute_TenantVisibility(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	private, err := f.reg.Register(ctx, registry.ServerRecord{
		Name: "private", Endpoint: "http://p", Tools: []string{"search"}, TenantID: "globex",
	})
	require.NoError(t, err)
	r := f.router(t, Config{MaxCandidates: 0})

	d, err := r.Route(ctx, searchReq())
	require.NoError(t, err)
	assert.NotContains(t, d.Candidates, private)

	d, err = r.Route(ctx, RouteRequest{TenantID: "globex", RequiredTools: []string{"search"}})
	require.NoError(t, err)
	assert.Contains(t, d.Candidates, private)
}

// A deregistered server is never returned by a subsequent Route.
func TestRoute_NeverReturnsDeregistered(t *testing.T) {
	f := newFixture(t, 3)
	r := f.router(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.reg.Deregister(ctx, f.ids[1]))
	for i := 0; i < 10; i++ {
		d, err := r.Route(ctx, searchReq())
		require.NoError(t, err)
		assert.NotContains(t, d.Candidates, f.ids[1])
	}
}

func TestRoute_LeastConnections(t *testing.T) {
	f := newFixture(t, 3)
	r := f.router(t, Config{Strategy: leastConnections{}})

	release0 := r.InFlight().Acquire(f.ids[0])
	release0b := r.InFlight().Acquire(f.ids[0])
	release2 := r.InFlight().Acquire(f.ids[2])
	defer release0b()
	defer release2()

	d, err := r.Route(context.Background(), searchReq())
	require.NoError(t, err)
	assert.Equal(t, []string{f.ids[1], f.ids[2], f.ids[0]}, d.Candidates)

	release0()
	release0()
	assert.Equal(t, 1, r.InFlight().Count(f.ids[0]), "release is idempotent")
}

func TestRoute_CanceledContext(t *testing.T) {
	f := newFixture(t, 1)
	r := f.router(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Route(ctx, searchReq())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresSources(t *testing.T) {
	_, err := New(Config{}, nil, &fakeHealth{}, &fakeCircuits{}, nil, nil)
	assert.Error(t, err)
}
