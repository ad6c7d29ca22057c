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

// Package gateway composes the registry, health monitor, rate limiter,
// circuit breaker, router and proxy executor behind a single Handle call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/mcpgateway/internal/audit"
	"github.com/tombee/mcpgateway/internal/circuit"
	"github.com/tombee/mcpgateway/internal/config"
	"github.com/tombee/mcpgateway/internal/health"
	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/metrics"
	"github.com/tombee/mcpgateway/internal/proxy"
	"github.com/tombee/mcpgateway/internal/ratelimit"
	"github.com/tombee/mcpgateway/internal/registry"
	"github.com/tombee/mcpgateway/internal/router"
	"github.com/tombee/mcpgateway/internal/store"
	"github.com/tombee/mcpgateway/internal/store/memory"
	"github.com/tombee/mcpgateway/internal/store/sqlite"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
	"github.com/tombee/mcpgateway/pkg/httpclient"
)

// Options holds collaborators that override what the configuration builds.
// Every field is optional.
type Options struct {
	// Repository replaces the store selected by store.driver. The gateway
	// does not close a repository it did not open.
	Repository store.Repository

	// Prober replaces the probe selected by health.probe.
	Prober health.Prober

	// Dispatcher replaces the HTTP and WebSocket dispatchers.
	Dispatcher proxy.Dispatcher

	// AuditSink receives every audit event in addition to the log.
	AuditSink audit.Sink

	Tracer trace.Tracer
	Logger *slog.Logger

	// Clock overrides time.Now for the limiter, breaker and health monitor.
	Clock func() time.Time

	// Rand overrides the weighted-random source.
	Rand func() float64

	// RequestID generates request ids when the context carries none.
	RequestID func() string
}

// Gateway is the single entry point for routed MCP calls and for
// registry administration.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	repo      store.Repository
	ownsRepo  bool
	registry  *registry.Registry
	monitor   *health.Monitor
	limiter   *ratelimit.Limiter
	breaker   *circuit.Breaker
	router    *router.Router
	executor  *proxy.Executor
	audit     audit.Sink
	auditSink *audit.Async

	mu            sync.Mutex
	started       bool
	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// New builds a gateway from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := gwlog.WithComponent(gwlog.Or(opts.Logger), "gateway")
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	newID := opts.RequestID
	if newID == nil {
		newID = uuid.NewString
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/tombee/mcpgateway/internal/gateway")
	}

	g := &Gateway{
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		now:    now,
		newID:  newID,
	}

	repo, owned, err := openRepository(cfg.Store, opts.Repository)
	if err != nil {
		return nil, err
	}
	g.repo, g.ownsRepo = repo, owned

	sinks := audit.Multi{audit.NewSlogSink(opts.Logger)}
	if opts.AuditSink != nil {
		sinks = append(sinks, opts.AuditSink)
	}
	g.auditSink = audit.NewAsync(sinks, audit.AsyncOptions{
		Buffer: cfg.Audit.Buffer,
		OnDrop: func(audit.Event) { metrics.RecordAuditDropped() },
		Logger: opts.Logger,
	})
	g.audit = g.auditSink

	g.registry = registry.New(registry.Options{
		Repository:    repo,
		FlushInterval: cfg.Store.FlushInterval,
		OnFlushError:  func(string, error) { metrics.RecordFlushError() },
		Logger:        opts.Logger,
		Clock:         now,
	})

	g.breaker = circuit.New(circuitConfig(cfg.Circuit), circuit.Options{
		OnStateChange: g.onCircuitChange,
		Logger:        opts.Logger,
		Clock:         now,
	})

	prober := opts.Prober
	if prober == nil {
		prober, err = newProber(cfg)
		if err != nil {
			g.closeOnError()
			return nil, err
		}
	}
	g.monitor, err = health.NewMonitor(healthConfig(cfg.Health), health.Options{
		Servers:      g.registry,
		Prober:       prober,
		OnTransition: g.onHealthChange,
		OnProbe:      onProbe,
		Logger:       opts.Logger,
		Clock:        now,
	})
	if err != nil {
		g.closeOnError()
		return nil, fmt.Errorf("creating health monitor: %w", err)
	}

	g.limiter = ratelimit.New(LimitsFromConfig(cfg.RateLimit), ratelimit.Options{
		Clock:  now,
		OnDeny: func(d ratelimit.Decision) { metrics.RecordRateLimited(string(d.Scope)) },
		Logger: opts.Logger,
	})

	strategy, err := router.NewStrategy(cfg.Router.Strategy, opts.Rand)
	if err != nil {
		g.closeOnError()
		return nil, err
	}
	g.router, err = router.New(router.Config{
		Strategy:      strategy,
		MaxCandidates: cfg.Router.MaxCandidates,
		PreferHealthy: cfg.Router.PreferHealthy,
	}, g.registry, g.monitor, g.breaker, router.NewInFlight(), opts.Logger)
	if err != nil {
		g.closeOnError()
		return nil, err
	}

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher, err = newDispatcher(cfg, opts.Logger)
		if err != nil {
			g.closeOnError()
			return nil, err
		}
	}
	g.executor, err = proxy.NewExecutor(proxy.Config{
		DefaultTimeout: cfg.Proxy.DefaultTimeout,
		MaxTimeout:     cfg.Proxy.MaxTimeout,
	}, proxy.Options{
		Servers:    g.registry,
		Circuit:    g.breaker,
		Dispatcher: dispatcher,
		Health:     g.monitor,
		InFlight:   g.router.InFlight(),
		OnAttempt:  onAttempt,
		Tracer:     opts.Tracer,
		Logger:     opts.Logger,
	})
	if err != nil {
		g.closeOnError()
		return nil, err
	}

	g.registry.Subscribe(g.onRegistryChange)
	return g, nil
}

func openRepository(cfg config.StoreConfig, override store.Repository) (store.Repository, bool, error) {
	if override != nil {
		return override, false, nil
	}
	switch cfg.Driver {
	case config.StoreSQLite:
		repo, err := sqlite.New(sqlite.Config{Path: cfg.Path, WAL: true})
		if err != nil {
			return nil, false, fmt.Errorf("opening sqlite store: %w", err)
		}
		return repo, true, nil
	default:
		return memory.New(), true, nil
	}
}

func newProber(cfg *config.Config) (health.Prober, error) {
	var httpProber health.Prober
	switch cfg.Health.Probe {
	case config.ProbeMCP:
		httpProber = &health.MCPProber{ClientName: "mcpgateway", ClientVersion: "1.0"}
	default:
		client, err := httpclient.New(httpclient.Config{
			Timeout:             cfg.Health.ProbeTimeout,
			UserAgent:           cfg.Proxy.UserAgent,
			MaxIdleConnsPerHost: 2,
		})
		if err != nil {
			return nil, fmt.Errorf("creating probe client: %w", err)
		}
		httpProber = &health.HTTPProber{Client: client, UserAgent: cfg.Proxy.UserAgent}
	}
	return &health.TransportProber{
		HTTP:      httpProber,
		WebSocket: &health.WebSocketProber{},
	}, nil
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) (proxy.Dispatcher, error) {
	client, err := httpclient.New(httpclient.Config{
		Timeout:             cfg.Proxy.MaxTimeout,
		UserAgent:           cfg.Proxy.UserAgent,
		MaxIdleConnsPerHost: 10,
		Logger:              gwlog.WithComponent(gwlog.Or(logger), "httpclient"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating proxy client: %w", err)
	}
	return proxy.TransportDispatcher{
		HTTP: &proxy.HTTPDispatcher{Client: client, MaxResponseBytes: cfg.Proxy.MaxResponseBytes},
		WebSocket: &proxy.WebSocketDispatcher{
			MaxResponseBytes: cfg.Proxy.MaxResponseBytes,
			UserAgent:        cfg.Proxy.UserAgent,
		},
	}, nil
}

// closeOnError releases what New opened before it failed.
func (g *Gateway) closeOnError() {
	_ = g.auditSink.Close(context.Background())
	if g.ownsRepo {
		_ = g.repo.Close()
	}
}

// Start loads persisted servers, registers configured ones, and starts the
// write-behind flusher, the health monitor and the rate limit janitor.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("gateway already started")
	}

	if err := g.registry.Load(ctx); err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	if err := g.seed(ctx); err != nil {
		return err
	}
	metrics.SetRegisteredServers(g.registry.Len())

	g.registry.Start(ctx)
	g.monitor.Start(ctx)

	jctx, cancel := context.WithCancel(ctx)
	g.janitorCancel = cancel
	g.janitorDone = make(chan struct{})
	go g.janitor(jctx, g.janitorDone)

	g.started = true
	g.logger.Info("gateway started",
		slog.Int("servers", g.registry.Len()),
		slog.String("strategy", g.cfg.Router.Strategy),
	)
	return nil
}

// seed registers every configured server not already present by name.
func (g *Gateway) seed(ctx context.Context) error {
	for _, entry := range g.cfg.Servers {
		if _, ok := g.registry.FindByName(entry.TenantID, entry.Name); ok {
			continue
		}
		if _, err := g.registry.Register(ctx, recordFromEntry(entry)); err != nil {
			return gwerrors.Wrapf(err, "registering configured server %q", entry.Name)
		}
	}
	return nil
}

// janitor evicts idle rate limit buckets.
func (g *Gateway) janitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ttl := g.cfg.RateLimit.IdleTTL
	every := ttl / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.limiter.Cleanup(ttl); n > 0 {
				g.logger.Debug("evicted idle rate limit buckets", slog.Int("count", n))
			}
			metrics.SetRateLimitBuckets(g.limiter.Len())
		}
	}
}

// Close stops background work, flushes pending registry writes and drains
// the audit queue. It is safe to call on a gateway that was never started.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	if g.started {
		g.janitorCancel()
		<-g.janitorDone
		g.monitor.Stop()
		g.started = false
	}
	if err := g.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing registry: %w", err))
	}
	if g.ownsRepo {
		if err := g.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
		g.ownsRepo = false
	}
	if err := g.auditSink.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining audit events: %w", err))
	}

	g.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// Reload applies the hot-reloadable parts of cfg. Only rate limits change
// at runtime; other settings need a restart.
func (g *Gateway) Reload(cfg *config.Config) error {
	if err := cfg.RateLimit.Validate(); err != nil {
		return err
	}
	g.limiter.SetLimits(LimitsFromConfig(cfg.RateLimit))
	g.logger.Info("rate limits reloaded",
		slog.Float64("global_capacity", cfg.RateLimit.Global.Capacity),
		slog.Float64("tenant_share", cfg.RateLimit.TenantShare),
	)
	return nil
}
