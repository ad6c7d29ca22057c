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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/mcpgateway/internal/circuit"
	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/registry"
	"github.com/tombee/mcpgateway/internal/router"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
)

// ServerLookup resolves a routed id to its current record.
type ServerLookup interface {
	Get(id string) (registry.ServerRecord, error)
}

// CircuitGate is the subset of circuit.Breaker the executor drives.
type CircuitGate interface {
	Allow(id string) (circuit.Ticket, bool)
	RecordOutcome(tk circuit.Ticket, success bool)
	Release(tk circuit.Ticket)
}

// LatencyObserver receives the latency of successful calls.
type LatencyObserver interface {
	ObserveLatency(id string, d time.Duration)
}

// Config holds per-attempt deadline bounds.
type Config struct {
	// DefaultTimeout applies when the caller passes no timeout.
	DefaultTimeout time.Duration

	// MaxTimeout clamps caller timeouts. Zero means no clamp.
	MaxTimeout time.Duration
}

// AttemptEvent describes one finished attempt. Kind is empty on success.
type AttemptEvent struct {
	ServerID string
	Index    int
	Kind     gwerrors.FailureKind
	Latency  time.Duration
	Err      error
}

// Options wires the executor to its collaborators.
type Options struct {
	Servers    ServerLookup
	Circuit    CircuitGate
	Dispatcher Dispatcher

	// Health receives success latencies (optional).
	Health LatencyObserver

	// InFlight tracks concurrent calls per server for least-connections
	// routing (optional).
	InFlight *router.InFlight

	// OnAttempt is called after every attempt, including skipped ones (optional).
	OnAttempt func(AttemptEvent)

	// Tracer creates one span per attempt. Nil uses the global provider.
	Tracer trace.Tracer

	Logger *slog.Logger
}

// Response is a successful backend answer.
type Response struct {
	ServerID    string
	StatusCode  int
	ContentType string
	Body        []byte
	Latency     time.Duration

	// Failed lists the attempts that failed before ServerID answered.
	Failed []gwerrors.Attempt
}

// Executor forwards payloads along a route decision.
type Executor struct {
	cfg        Config
	servers    ServerLookup
	circuit    CircuitGate
	dispatcher Dispatcher
	health     LatencyObserver
	inflight   *router.InFlight
	onAttempt  func(AttemptEvent)
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewExecutor validates opts and returns an Executor.
func NewExecutor(cfg Config, opts Options) (*Executor, error) {
	if opts.Servers == nil || opts.Circuit == nil || opts.Dispatcher == nil {
		return nil, errors.New("proxy: servers, circuit and dispatcher are required")
	}
	if cfg.DefaultTimeout <= 0 {
		return nil, &gwerrors.ConfigError{Key: "proxy.default_timeout", Reason: "must be positive"}
	}
	if cfg.MaxTimeout > 0 && cfg.MaxTimeout < cfg.DefaultTimeout {
		return nil, &gwerrors.ConfigError{Key: "proxy.max_timeout", Reason: "must not be below default_timeout"}
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/tombee/mcpgateway/internal/proxy")
	}
	inflight := opts.InFlight
	if inflight == nil {
		inflight = router.NewInFlight()
	}

	return &Executor{
		cfg:        cfg,
		servers:    opts.Servers,
		circuit:    opts.Circuit,
		dispatcher: opts.Dispatcher,
		health:     opts.Health,
		inflight:   inflight,
		onAttempt:  opts.OnAttempt,
		tracer:     tracer,
		logger:     gwlog.WithComponent(gwlog.Or(opts.Logger), "proxy"),
	}, nil
}

// Timeout returns the per-attempt deadline used for a requested timeout.
func (e *Executor) Timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.cfg.DefaultTimeout
	}
	if e.cfg.MaxTimeout > 0 && requested > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return requested
}

// Execute tries each candidate of decision in order and returns the first
// successful answer. A server is attempted at most once per call. When every
// candidate fails the error is a *errors.ProxyError listing each attempt.
func (e *Executor) Execute(ctx context.Context, decision router.RouteDecision, payload []byte, timeout time.Duration) (*Response, error) {
	if len(decision.Candidates) == 0 {
		return nil, &gwerrors.NoCandidateError{Reason: "empty route decision"}
	}
	call, err := DecodeCall(payload)
	if err != nil {
		return nil, &gwerrors.ValidationError{
			Field:      "payload",
			Message:    err.Error(),
			Suggestion: "send a single JSON-RPC 2.0 request object",
		}
	}
	timeout = e.Timeout(timeout)

	var failed []gwerrors.Attempt
	seen := make(map[string]struct{}, len(decision.Candidates))

	for i, id := range decision.Candidates {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if err := ctx.Err(); err != nil {
			failed = append(failed, e.skip(i, id, gwerrors.KindCanceled, err))
			break
		}

		rec, err := e.servers.Get(id)
		if err != nil {
			failed = append(failed, e.skip(i, id, gwerrors.KindNotFound, err))
			continue
		}
		// The router only peeked; this claims the half-open trial if there is one.
		ticket, allowed := e.circuit.Allow(id)
		if !allowed {
			failed = append(failed, e.skip(i, id, gwerrors.KindCircuitOpen, errCircuitOpen(id)))
			continue
		}

		reply, latency, kind, err := e.attempt(ctx, i, rec, call, payload, timeout)
		e.report(AttemptEvent{ServerID: id, Index: i, Kind: kind, Latency: latency, Err: err})

		switch kind {
		case "":
			e.circuit.RecordOutcome(ticket, true)
			if e.health != nil {
				e.health.ObserveLatency(id, latency)
			}
			return &Response{
				ServerID:    id,
				StatusCode:  reply.StatusCode,
				ContentType: reply.ContentType,
				Body:        reply.Body,
				Latency:     latency,
				Failed:      failed,
			}, nil

		case gwerrors.KindCanceled:
			// The caller left; this says nothing about the backend.
			e.circuit.Release(ticket)
			failed = append(failed, gwerrors.Attempt{ServerID: id, Kind: kind, Latency: latency, Err: err})
			return nil, &gwerrors.ProxyError{Attempts: failed}

		case gwerrors.KindRejected:
			// The backend is alive and refused the request; another one would too.
			e.circuit.RecordOutcome(ticket, true)
			failed = append(failed, gwerrors.Attempt{ServerID: id, Kind: kind, Latency: latency, Err: err})
			return nil, &gwerrors.ProxyError{Attempts: failed}
		}

		e.circuit.RecordOutcome(ticket, false)
		failed = append(failed, gwerrors.Attempt{ServerID: id, Kind: kind, Latency: latency, Err: err})
		e.logger.Warn("attempt failed",
			slog.String(gwlog.ServerIDKey, id),
			slog.String("kind", string(kind)),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(decision.Candidates)-i-1),
			gwlog.Duration("latency", latency.Milliseconds()),
			gwlog.Error(err),
		)
	}

	return nil, &gwerrors.ProxyError{Attempts: failed}
}

func (e *Executor) attempt(ctx context.Context, index int, rec registry.ServerRecord, call *jsonrpc.Request, payload []byte, timeout time.Duration) (reply *Reply, latency time.Duration, kind gwerrors.FailureKind, err error) {
	release := e.inflight.Acquire(rec.ID)
	defer release()

	ctx, span := e.tracer.Start(ctx, "proxy.attempt", trace.WithAttributes(
		attribute.String("mcp.server.id", rec.ID),
		attribute.String("mcp.server.name", rec.Name),
		attribute.String("mcp.method", call.Method),
		attribute.Int("mcp.attempt", index+1),
	))
	defer func() {
		if kind != "" {
			span.SetStatus(codes.Error, string(kind))
			span.SetAttributes(attribute.String("mcp.failure", string(kind)))
			if err != nil {
				span.RecordError(err)
			}
		}
		span.End()
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	reply, err = e.dispatch(attemptCtx, rec, call, payload)
	latency = time.Since(start)

	if err == nil {
		err = checkReply(call, reply)
	}
	if err == nil {
		return reply, latency, "", nil
	}

	kind = classify(ctx, attemptCtx, err)
	if kind == gwerrors.KindTimeout {
		err = &gwerrors.TimeoutError{Operation: "dispatch to " + rec.ID, Duration: latency, Cause: err}
	}
	return nil, latency, kind, err
}

// dispatch calls the dispatcher, turning a panic into an error.
func (e *Executor) dispatch(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, payload []byte) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("dispatcher panic",
				slog.String(gwlog.ServerIDKey, rec.ID),
				slog.Any("panic", r),
			)
			reply, err = nil, fmt.Errorf("%w: %v", ErrDispatchPanic, r)
		}
	}()
	reply, err = e.dispatcher.Dispatch(ctx, rec, call, payload)
	if err == nil && reply == nil {
		err = fmt.Errorf("%w: dispatcher returned no reply", ErrMalformedResponse)
	}
	return reply, err
}

func (e *Executor) skip(index int, id string, kind gwerrors.FailureKind, err error) gwerrors.Attempt {
	e.report(AttemptEvent{ServerID: id, Index: index, Kind: kind, Err: err})
	e.logger.Debug("candidate skipped",
		slog.String(gwlog.ServerIDKey, id),
		slog.String("kind", string(kind)),
	)
	return gwerrors.Attempt{ServerID: id, Kind: kind, Err: err}
}

func (e *Executor) report(ev AttemptEvent) {
	if e.onAttempt != nil {
		e.onAttempt(ev)
	}
}

func errCircuitOpen(id string) error {
	return fmt.Errorf("circuit open for server %s", id)
}

// checkReply turns an unusable reply into an error.
func checkReply(call *jsonrpc.Request, reply *Reply) error {
	if reply.StatusCode != 0 && reply.StatusCode/100 != 2 {
		return &StatusError{Code: reply.StatusCode}
	}
	return checkBody(call, reply.Body)
}

// classify maps an attempt error to a failure kind. parent is the caller's
// context and attempt the derived per-attempt context.
func classify(parent, attempt context.Context, err error) gwerrors.FailureKind {
	if parent.Err() != nil {
		return gwerrors.KindCanceled
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code >= 500,
			status.Code == http.StatusTooManyRequests,
			status.Code == http.StatusRequestTimeout:
			return gwerrors.KindUpstream
		default:
			return gwerrors.KindRejected
		}
	}

	switch {
	case errors.Is(err, ErrMalformedResponse):
		return gwerrors.KindMalformed
	case errors.Is(err, ErrDispatchPanic), errors.Is(err, ErrUnsupportedTransport):
		return gwerrors.KindInternal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(attempt.Err(), context.DeadlineExceeded):
		return gwerrors.KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.KindTimeout
	}
	return gwerrors.KindConnection
}
