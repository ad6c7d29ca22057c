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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpgateway/internal/audit"
	"github.com/tombee/mcpgateway/internal/circuit"
	"github.com/tombee/mcpgateway/internal/config"
	"github.com/tombee/mcpgateway/internal/health"
	"github.com/tombee/mcpgateway/internal/proxy"
	"github.com/tombee/mcpgateway/internal/registry"
	"github.com/tombee/mcpgateway/internal/router"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
	"github.com/tombee/mcpgateway/pkg/httpclient"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// recorder collects audit events.
type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Emit(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t audit.Type) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// echo answers every call with the id of the server that handled it.
func echo(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, _ []byte) (*proxy.Reply, error) {
	body, err := jsonrpc.EncodeMessage(&jsonrpc.Response{
		ID:     call.ID,
		Result: json.RawMessage(fmt.Sprintf(`{"server":%q}`, rec.Name)),
	})
	if err != nil {
		return nil, err
	}
	return &proxy.Reply{StatusCode: 200, ContentType: "application/json", Body: body}, nil
}

type fixture struct {
	gw    *Gateway
	clock *fakeClock
	audit *recorder
}

func newFixture(t *testing.T, cfg *config.Config, dispatch proxy.DispatcherFunc) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	if dispatch == nil {
		dispatch = echo
	}
	clock := newFakeClock()
	rec := &recorder{}
	n := 0
	gw, err := New(cfg, Options{
		Prober:     health.ProberFunc(func(context.Context, registry.ServerRecord) error { return nil }),
		Dispatcher: dispatch,
		AuditSink:  rec,
		Logger:     discard(),
		Clock:      clock.Now,
		Rand:       func() float64 { return 0 },
		RequestID: func() string {
			n++
			return fmt.Sprintf("req-%d", n)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close(context.Background()) })
	return &fixture{gw: gw, clock: clock, audit: rec}
}

// drain flushes the async audit queue so recorded events can be asserted.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.gw.Close(context.Background()))
}

func (f *fixture) register(t *testing.T, rec registry.ServerRecord) string {
	t.Helper()
	if rec.Endpoint == "" {
		rec.Endpoint = "http://" + rec.Name + ".internal/mcp"
	}
	id, err := f.gw.Register(context.Background(), rec)
	require.NoError(t, err)
	return id
}

func toolCall(name string) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":{}}}`, name))
}

func serverName(t *testing.T, resp *proxy.Response) string {
	t.Helper()
	msg, err := jsonrpc.DecodeMessage(resp.Body)
	require.NoError(t, err)
	r, ok := msg.(*jsonrpc.Response)
	require.True(t, ok)
	var out struct {
		Server string `json:"server"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &out))
	return out.Server
}

func TestHandle_RoutesToolCallToCapableServer(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.register(t, registry.ServerRecord{Name: "search", Tools: []string{"web_search"}})
	fetchID := f.register(t, registry.ServerRecord{Name: "fetch", Tools: []string{"fetch_url"}})

	resp, err := f.gw.Handle(context.Background(), Identity{UserID: "u1"}, router.RouteRequest{}, toolCall("fetch_url"))
	require.NoError(t, err)
	assert.Equal(t, fetchID, resp.ServerID)
	assert.Equal(t, "fetch", serverName(t, resp))
	assert.Empty(t, resp.Failed)

	f.drain(t)
	outcomes := f.audit.ofType(audit.TypeProxyOutcome)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, fetchID, outcomes[0].ServerID)
	assert.Equal(t, "req-1", outcomes[0].RequestID)
	assert.Equal(t, "tools/call", outcomes[0].Method)
	assert.Equal(t, 1, outcomes[0].Attempts)
}

func TestHandle_RoutesResourceReadByPattern(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.register(t, registry.ServerRecord{Name: "files", Resources: []string{"file:///{path}"}})
	f.register(t, registry.ServerRecord{Name: "db", Resources: []string{"postgres://main/*"}})

	payload := []byte(`{"jsonrpc":"2.0","id":"r1","method":"resources/read","params":{"uri":"postgres://main/users"}}`)
	resp, err := f.gw.Handle(context.Background(), Identity{}, router.RouteRequest{}, payload)
	require.NoError(t, err)
	assert.Equal(t, "db", serverName(t, resp))
}

func TestHandle_UsesRequestIDFromContext(t *testing.T) {
	var seen string
	f := newFixture(t, nil, func(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, p []byte) (*proxy.Reply, error) {
		seen = httpclient.RequestIDFromContext(ctx)
		return echo(ctx, rec, call, p)
	})
	f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"t"}})

	ctx := httpclient.WithRequestID(context.Background(), "caller-7")
	_, err := f.gw.Handle(ctx, Identity{}, router.RouteRequest{}, toolCall("t"))
	require.NoError(t, err)
	assert.Equal(t, "caller-7", seen)
}

func TestHandle_TenantIsolation(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.register(t, registry.ServerRecord{Name: "private", TenantID: "acme", Tools: []string{"t"}})

	_, err := f.gw.Handle(context.Background(), Identity{TenantID: "globex"}, router.RouteRequest{TenantID: "acme"}, toolCall("t"))
	var nc *gwerrors.NoCandidateError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "globex", nc.TenantID, "caller identity overrides the request tenant")

	resp, err := f.gw.Handle(context.Background(), Identity{TenantID: "acme"}, router.RouteRequest{}, toolCall("t"))
	require.NoError(t, err)
	assert.Equal(t, "private", serverName(t, resp))
}

func TestHandle_InvalidPayload(t *testing.T) {
	f := newFixture(t, nil, nil)

	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"not json", `{`, "payload"},
		{"response not request", `{"jsonrpc":"2.0","id":1,"result":{}}`, "payload"},
		{"tool call without name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, "params.name"},
		{"tool call without params", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, "params"},
		{"read without uri", `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{}}`, "params.uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gw.Handle(context.Background(), Identity{}, router.RouteRequest{}, []byte(tt.payload))
			var verr *gwerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestHandle_ExplicitRequirementsSkipInference(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"explicit"}})

	// The payload names a tool nobody serves; the explicit requirement wins.
	resp, err := f.gw.Handle(context.Background(), Identity{},
		router.RouteRequest{RequiredTools: []string{"explicit"}}, toolCall("missing"))
	require.NoError(t, err)
	assert.Equal(t, "a", serverName(t, resp))
}

func TestHandle_NoCandidate(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"t"}})

	_, err := f.gw.Handle(context.Background(), Identity{TenantID: "acme"}, router.RouteRequest{}, toolCall("other"))
	var nc *gwerrors.NoCandidateError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, []string{"other"}, nc.Tools)

	f.drain(t)
	events := f.audit.ofType(audit.TypeNoCandidate)
	require.Len(t, events, 1)
	assert.Equal(t, "acme", events[0].TenantID)
	assert.NotEmpty(t, events[0].Kind)
}

func TestHandle_RateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.User = config.BucketConfig{Capacity: 2, RefillPerSecond: 1}

	f := newFixture(t, cfg, nil)
	f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"t"}})

	ctx := context.Background()
	for range 2 {
		_, err := f.gw.Handle(ctx, Identity{UserID: "u1"}, router.RouteRequest{}, toolCall("t"))
		require.NoError(t, err)
	}

	_, err := f.gw.Handle(ctx, Identity{UserID: "u1"}, router.RouteRequest{}, toolCall("t"))
	var rl *gwerrors.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "user", rl.Scope)
	assert.Equal(t, "u1", rl.ScopeID)
	assert.InDelta(t, float64(time.Second), float64(rl.RetryAfter), float64(time.Millisecond))

	// Another user is unaffected.
	_, err = f.gw.Handle(ctx, Identity{UserID: "u2"}, router.RouteRequest{}, toolCall("t"))
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.gw.Handle(ctx, Identity{UserID: "u1"}, router.RouteRequest{}, toolCall("t"))
	require.NoError(t, err)

	f.drain(t)
	events := f.audit.ofType(audit.TypeRateLimited)
	require.Len(t, events, 1)
	assert.Equal(t, "user", events[0].Scope)
	assert.InDelta(t, float64(time.Second), float64(events[0].RetryAfter), float64(time.Millisecond))
}

func TestHandle_FailsOverAndOpensCircuit(t *testing.T) {
	cfg := config.Default()
	cfg.Circuit.FailureThreshold = 1
	cfg.Router.Strategy = config.StrategyRoundRobin

	f := newFixture(t, cfg, func(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, p []byte) (*proxy.Reply, error) {
		if rec.Name == "broken" {
			return &proxy.Reply{StatusCode: 503}, nil
		}
		return echo(ctx, rec, call, p)
	})
	brokenID := f.register(t, registry.ServerRecord{Name: "broken", Tools: []string{"t"}})
	f.register(t, registry.ServerRecord{Name: "good", Tools: []string{"t"}})

	ctx := context.Background()
	for range 4 {
		resp, err := f.gw.Handle(ctx, Identity{}, router.RouteRequest{}, toolCall("t"))
		require.NoError(t, err)
		assert.Equal(t, "good", serverName(t, resp))
	}

	snap := f.gw.Snapshot()
	assert.Equal(t, circuit.StateOpen, snap.Servers[brokenID].Circuit.State)

	f.drain(t)
	changes := f.audit.ofType(audit.TypeCircuitChanged)
	require.NotEmpty(t, changes)
	assert.Equal(t, brokenID, changes[0].ServerID)
	assert.Equal(t, string(circuit.StateOpen), changes[0].To)
}

func TestHandle_AllCandidatesFail(t *testing.T) {
	f := newFixture(t, nil, func(context.Context, registry.ServerRecord, *jsonrpc.Request, []byte) (*proxy.Reply, error) {
		return nil, errors.New("connection refused")
	})
	f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"t"}})
	f.register(t, registry.ServerRecord{Name: "b", Tools: []string{"t"}})

	_, err := f.gw.Handle(context.Background(), Identity{}, router.RouteRequest{}, toolCall("t"))
	var perr *gwerrors.ProxyError
	require.ErrorAs(t, err, &perr)
	require.Len(t, perr.Attempts, 2)
	for _, a := range perr.Attempts {
		assert.Equal(t, gwerrors.KindConnection, a.Kind)
	}

	f.drain(t)
	outcomes := f.audit.ofType(audit.TypeProxyOutcome)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Success)
	assert.Equal(t, 2, outcomes[0].Attempts)
	assert.Equal(t, string(gwerrors.KindConnection), outcomes[0].Kind)
}

func TestDeregister_ForgetsServerState(t *testing.T) {
	cfg := config.Default()
	cfg.Circuit.FailureThreshold = 1
	f := newFixture(t, cfg, func(context.Context, registry.ServerRecord, *jsonrpc.Request, []byte) (*proxy.Reply, error) {
		return &proxy.Reply{StatusCode: 500}, nil
	})
	id := f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"t"}})

	_, err := f.gw.Handle(context.Background(), Identity{}, router.RouteRequest{}, toolCall("t"))
	require.Error(t, err)
	require.Equal(t, circuit.StateOpen, f.gw.breaker.State(id).State)

	require.NoError(t, f.gw.Deregister(context.Background(), id))
	assert.Equal(t, circuit.StateClosed, f.gw.breaker.State(id).State)
	assert.Equal(t, health.StatusUnknown, f.gw.monitor.State(id).Status)
	assert.NotContains(t, f.gw.Snapshot().Servers, id)

	var nf *gwerrors.NotFoundError
	assert.ErrorAs(t, f.gw.Deregister(context.Background(), id), &nf)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, nil, nil)
	a := f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"t"}})
	b := f.register(t, registry.ServerRecord{Name: "b", TenantID: "acme", Tools: []string{"t"}})

	snap := f.gw.Snapshot()
	assert.Equal(t, f.clock.Now(), snap.TakenAt)
	require.Len(t, snap.Servers, 2)
	assert.Equal(t, "acme", snap.Servers[b].TenantID)
	assert.Equal(t, health.StatusUnknown, snap.Servers[a].Health.Status)
	assert.Equal(t, circuit.StateClosed, snap.Servers[a].Circuit.State)
	assert.Zero(t, snap.Servers[a].InFlight)

	ids := snap.ServerIDs()
	assert.ElementsMatch(t, []string{a, b}, ids)
}

func TestStart_SeedsConfiguredServersOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Servers = []config.ServerEntry{
		{Name: "search", Endpoint: "http://search.internal/mcp", Tools: []string{"web_search"}},
		{Name: "files", Endpoint: "ws://files.internal/mcp", Transport: "websocket", TenantID: "acme"},
	}

	start := func() *Gateway {
		gw, err := New(cfg, Options{
			Prober: health.ProberFunc(func(context.Context, registry.ServerRecord) error { return nil }),
			Logger: discard(),
		})
		require.NoError(t, err)
		require.NoError(t, gw.Start(context.Background()))
		return gw
	}

	gw := start()
	require.Len(t, gw.List(registry.Filter{AllTenants: true}), 2)
	assert.Error(t, gw.Start(context.Background()), "second Start is rejected")
	require.NoError(t, gw.Close(context.Background()))

	gw = start()
	defer func() { require.NoError(t, gw.Close(context.Background())) }()

	servers := gw.List(registry.Filter{AllTenants: true})
	require.Len(t, servers, 2, "persisted servers are not registered twice")
	files, ok := gw.registry.FindByName("acme", "files")
	require.True(t, ok)
	assert.Equal(t, registry.TransportWebSocket, files.Transport)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Router.Strategy = "fastest"

	_, err := New(cfg, Options{})
	var cerr *gwerrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "router.strategy", cerr.Key)
}

func TestReload_ChangesRateLimits(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.User = config.BucketConfig{Capacity: 1, RefillPerSecond: 0.001}
	f := newFixture(t, cfg, nil)
	f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"t"}})

	ctx := context.Background()
	_, err := f.gw.Handle(ctx, Identity{UserID: "u"}, router.RouteRequest{}, toolCall("t"))
	require.NoError(t, err)
	_, err = f.gw.Handle(ctx, Identity{UserID: "u"}, router.RouteRequest{}, toolCall("t"))
	require.Error(t, err)

	next := config.Default()
	next.RateLimit.User = config.BucketConfig{Capacity: 1, RefillPerSecond: 1000}
	require.NoError(t, f.gw.Reload(next))

	f.clock.Advance(10 * time.Millisecond)
	_, err = f.gw.Handle(ctx, Identity{UserID: "u"}, router.RouteRequest{}, toolCall("t"))
	require.NoError(t, err)

	bad := config.Default()
	bad.RateLimit.Global.Capacity = 0
	var cerr *gwerrors.ConfigError
	require.ErrorAs(t, f.gw.Reload(bad), &cerr)
}

// One tenant pushing 1000 req/s for ten seconds through the full request
// path is held to its share of the global bucket.
func TestHandle_TenantFairness(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit = config.RateLimitConfig{
		User:        config.BucketConfig{Capacity: 1_000_000, RefillPerSecond: 1_000_000},
		Tenant:      config.BucketConfig{Capacity: 1000, RefillPerSecond: 1000},
		Global:      config.BucketConfig{Capacity: 100, RefillPerSecond: 100},
		TenantShare: 0.3,
		IdleTTL:     time.Minute,
	}
	f := newFixture(t, cfg, nil)
	f.register(t, registry.ServerRecord{Name: "a", Tools: []string{"t"}})

	const seconds = 10
	ctx := context.Background()
	served := map[string]int{}
	for i := 0; i < seconds*1000; i++ {
		tenant := "acme"
		if i%2 == 1 {
			tenant = "globex"
		}
		if _, err := f.gw.Handle(ctx, Identity{UserID: tenant + "-user", TenantID: tenant}, router.RouteRequest{}, toolCall("t")); err == nil {
			served[tenant]++
		}
		f.clock.Advance(time.Millisecond)
	}

	// share = floor(0.3 * 100) burst plus 30/s refill.
	assert.LessOrEqual(t, served["acme"], 30+30*seconds)
	assert.LessOrEqual(t, served["globex"], 30+30*seconds)
	assert.Greater(t, served["acme"], 30*seconds-5)
}
