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

package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/registry"
)

// ServerLister enumerates the servers to probe.
type ServerLister interface {
	List(f registry.Filter) []registry.ServerRecord
	Exists(id string) bool
}

// Transition describes a status change of one server.
type Transition struct {
	ServerID string
	From     Status
	To       Status
	State    State
}

// Config configures a Monitor.
type Config struct {
	// Interval is the time between probe rounds (defaults to 30s).
	Interval time.Duration

	// ProbeTimeout bounds each probe (defaults to 5s).
	ProbeTimeout time.Duration

	// Concurrency caps probes in flight per round (defaults to 16).
	Concurrency int

	Thresholds Thresholds
}

// Options holds the Monitor collaborators.
type Options struct {
	// Servers is re-enumerated on every tick.
	Servers ServerLister

	Prober Prober

	// OnTransition is called after a server changes status (optional).
	OnTransition func(Transition)

	// OnProbe is called after every probe with its outcome (optional).
	OnProbe func(serverID string, latency time.Duration, err error)

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Clock overrides time.Now (optional)
	Clock func() time.Time
}

// Monitor probes every registered server on a fixed interval and keeps
// a per-server State. It is the only writer of health state.
type Monitor struct {
	cfg  Config
	opts Options

	logger *slog.Logger
	now    func() time.Time

	// mu protects states
	mu     sync.RWMutex
	states map[string]State

	// tickMu serializes probe rounds
	tickMu sync.Mutex

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. Call Start to begin probing.
func NewMonitor(cfg Config, opts Options) (*Monitor, error) {
	if opts.Servers == nil {
		return nil, fmt.Errorf("server lister is required")
	}
	if opts.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}

	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	def := DefaultThresholds()
	if cfg.Thresholds.Unhealthy <= 0 {
		cfg.Thresholds.Unhealthy = def.Unhealthy
	}
	if cfg.Thresholds.Healthy <= 0 {
		cfg.Thresholds.Healthy = def.Healthy
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Monitor{
		cfg:    cfg,
		opts:   opts,
		logger: gwlog.WithComponent(gwlog.Or(opts.Logger), "health"),
		now:    now,
		states: make(map[string]State),
	}, nil
}

// Start runs an immediate probe round and then one per interval until
// Stop is called or ctx is cancelled. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		m.loop(ctx)
	}()

	m.logger.Info("health monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("probe_timeout", m.cfg.ProbeTimeout),
	)
}

// Stop cancels in-flight probes and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	m.Tick(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

type probeResult struct {
	id      string
	latency time.Duration
	err     error
}

// Tick runs one probe round over the current server set and returns when
// every probe has completed. Probe errors never escape; they are recorded
// as failures.
func (m *Monitor) Tick(ctx context.Context) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	servers := m.opts.Servers.List(registry.Filter{AllTenants: true})
	m.prune(servers)
	if len(servers) == 0 {
		return
	}

	results := make([]probeResult, len(servers))

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, rec := range servers {
		g.Go(func() error {
			results[i] = m.probe(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// Shutdown raced the round; cancelled probes say nothing about the backends.
		return
	}

	for _, r := range results {
		m.record(r)
	}
}

func (m *Monitor) probe(ctx context.Context, rec registry.ServerRecord) (res probeResult) {
	res.id = rec.ID

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("probe panicked: %v", r)
		}
		res.latency = m.now().Sub(start)
	}()

	res.err = m.opts.Prober.Probe(pctx, rec)
	return res
}

func (m *Monitor) record(r probeResult) {
	m.mu.Lock()
	// Deregistration removes the server before Forget takes m.mu, so a
	// result for a server gone mid-round is dropped here.
	if !m.opts.Servers.Exists(r.id) {
		m.mu.Unlock()
		return
	}
	prev, ok := m.states[r.id]
	if !ok {
		prev = State{Status: StatusUnknown}
	}
	next := m.cfg.Thresholds.apply(prev, r.err == nil)
	next.LastCheckedAt = m.now()
	if r.err == nil {
		next.LastLatency = r.latency
	} else {
		next.LastError = r.err.Error()
	}
	m.states[r.id] = next
	m.mu.Unlock()

	logger := gwlog.WithServer(m.logger, r.id)
	if r.err != nil {
		logger.Debug("probe failed", gwlog.Error(r.err), slog.Int("consecutive_failures", next.ConsecutiveFailures))
	} else {
		gwlog.Trace(context.Background(), logger, "probe succeeded", gwlog.Duration("latency", r.latency.Milliseconds()))
	}

	if m.opts.OnProbe != nil {
		m.opts.OnProbe(r.id, r.latency, r.err)
	}

	if prev.Status != next.Status {
		logger.Info("server health changed",
			slog.String("from", string(prev.Status)),
			slog.String("to", string(next.Status)),
		)
		if m.opts.OnTransition != nil {
			m.opts.OnTransition(Transition{ServerID: r.id, From: prev.Status, To: next.Status, State: next})
		}
	}
}

// prune drops state for servers that are no longer registered.
func (m *Monitor) prune(servers []registry.ServerRecord) {
	live := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		live[s.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.states {
		if _, ok := live[id]; !ok {
			delete(m.states, id)
		}
	}
}

// State returns the health of id. Unknown servers report StatusUnknown.
func (m *Monitor) State(id string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.states[id]; ok {
		return s
	}
	return State{Status: StatusUnknown}
}

// Status returns only the status of id.
func (m *Monitor) Status(id string) Status {
	return m.State(id).Status
}

// States returns a copy of every tracked state keyed by server id.
func (m *Monitor) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.states))
	for id, s := range m.states {
		out[id] = s
	}
	return out
}

// ObserveLatency records latency measured on the request path. It does
// not change the status; only probes do. Servers no longer registered are
// ignored.
func (m *Monitor) ObserveLatency(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opts.Servers.Exists(id) {
		return
	}

	s, ok := m.states[id]
	if !ok {
		s = State{Status: StatusUnknown}
	}
	s.LastLatency = d
	m.states[id] = s
}

// Forget drops state for id immediately.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}
