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
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/mcpgateway/internal/audit"
	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/metrics"
	"github.com/tombee/mcpgateway/internal/proxy"
	"github.com/tombee/mcpgateway/internal/router"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
	"github.com/tombee/mcpgateway/pkg/httpclient"
)

// Identity is the already-authenticated caller.
type Identity struct {
	UserID   string
	TenantID string
	Roles    []string
}

// Handle routes payload to a backend able to serve req and returns its answer.
//
// The caller's identity overrides any tenant or user set on req. When req
// names no required tools or resources they are inferred from the payload:
// tools/call requires the called tool, resources/read, resources/subscribe
// and resources/unsubscribe require the named URI.
//
// Errors are *errors.ValidationError for an unusable payload,
// *errors.RateLimitedError, *errors.NoCandidateError or *errors.ProxyError.
func (g *Gateway) Handle(ctx context.Context, id Identity, req router.RouteRequest, payload []byte) (*proxy.Response, error) {
	requestID := httpclient.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = g.newID()
		ctx = httpclient.WithRequestID(ctx, requestID)
	}
	logger := gwlog.WithCaller(gwlog.WithRequestID(g.logger, requestID), id.TenantID, id.UserID)

	ctx, span := g.tracer.Start(ctx, "gateway.handle", trace.WithAttributes(
		attribute.String("mcp.request_id", requestID),
		attribute.String("mcp.tenant_id", id.TenantID),
	))
	defer span.End()

	resp, err := g.handle(ctx, logger, requestID, id, req, payload)

	result := "ok"
	if err != nil {
		result, _ = Classify(err)
		span.SetStatus(codes.Error, result)
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.String("mcp.server.id", resp.ServerID))
	}
	metrics.RecordRequest(result)
	return resp, err
}

func (g *Gateway) handle(ctx context.Context, logger *slog.Logger, requestID string, id Identity, req router.RouteRequest, payload []byte) (*proxy.Response, error) {
	call, err := proxy.DecodeCall(payload)
	if err != nil {
		return nil, &gwerrors.ValidationError{
			Field:      "payload",
			Message:    err.Error(),
			Suggestion: "send a single JSON-RPC 2.0 request object",
		}
	}

	req.TenantID = id.TenantID
	req.UserID = id.UserID
	if req.Method == "" {
		req.Method = call.Method
	}
	if len(req.RequiredTools) == 0 && len(req.RequiredResources) == 0 {
		tools, resources, err := InferCapabilities(call)
		if err != nil {
			return nil, err
		}
		req.RequiredTools, req.RequiredResources = tools, resources
	}

	base := audit.Event{
		Time:      g.now(),
		RequestID: requestID,
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		Method:    req.Method,
	}

	if d := g.limiter.Check(id.UserID, id.TenantID, 1); !d.Allowed {
		ev := base
		ev.Type = audit.TypeRateLimited
		ev.Scope = string(d.Scope)
		ev.RetryAfter = d.RetryAfter
		g.audit.Emit(ev)
		logger.Debug("request rate limited",
			slog.String("scope", string(d.Scope)),
			slog.Int64("retry_after_ms", d.RetryAfterMs()),
		)
		return nil, d.Err()
	}

	decision, err := g.router.Route(ctx, req)
	if err != nil {
		var nc *gwerrors.NoCandidateError
		if errors.As(err, &nc) {
			ev := base
			ev.Type = audit.TypeNoCandidate
			ev.Kind = nc.Reason
			g.audit.Emit(ev)
		}
		return nil, err
	}

	resp, err := g.executor.Execute(ctx, decision, payload, req.Timeout)

	ev := base
	ev.Type = audit.TypeProxyOutcome
	if err != nil {
		var perr *gwerrors.ProxyError
		if errors.As(err, &perr) && len(perr.Attempts) > 0 {
			last := perr.Attempts[len(perr.Attempts)-1]
			ev.ServerID = last.ServerID
			ev.Kind = string(last.Kind)
			ev.Attempts = len(perr.Attempts)
		}
		g.audit.Emit(ev)
		logger.Warn("request failed", gwlog.Error(err))
		return nil, err
	}

	ev.Success = true
	ev.ServerID = resp.ServerID
	ev.Latency = resp.Latency
	ev.Attempts = len(resp.Failed) + 1
	g.audit.Emit(ev)
	gwlog.Trace(ctx, logger, "request served",
		slog.String(gwlog.ServerIDKey, resp.ServerID),
		slog.Int("attempts", ev.Attempts),
	)
	return resp, nil
}

// InferCapabilities derives routing requirements from a JSON-RPC call.
// Methods that do not name a tool or resource require nothing.
func InferCapabilities(call *jsonrpc.Request) (tools, resources []string, err error) {
	switch call.Method {
	case "tools/call":
		var p mcp.CallToolParams
		if err := decodeParams(call, &p); err != nil {
			return nil, nil, err
		}
		if p.Name == "" {
			return nil, nil, &gwerrors.ValidationError{Field: "params.name", Message: "tools/call requires a tool name"}
		}
		return []string{p.Name}, nil, nil

	case "resources/read", "resources/subscribe", "resources/unsubscribe":
		var p struct {
			URI string `json:"uri"`
		}
		if err := decodeParams(call, &p); err != nil {
			return nil, nil, err
		}
		if p.URI == "" {
			return nil, nil, &gwerrors.ValidationError{Field: "params.uri", Message: call.Method + " requires a resource uri"}
		}
		return nil, []string{p.URI}, nil
	}
	return nil, nil, nil
}

func decodeParams(call *jsonrpc.Request, v any) error {
	if len(call.Params) == 0 {
		return &gwerrors.ValidationError{Field: "params", Message: fmt.Sprintf("%s requires params", call.Method)}
	}
	if err := json.Unmarshal(call.Params, v); err != nil {
		return &gwerrors.ValidationError{Field: "params", Message: err.Error()}
	}
	return nil
}

// Classify names an error for metrics, tracing and transports. Cancellation
// by the caller is reported separately from backend failures.
func Classify(err error) (string, bool) {
	if errors.Is(err, context.Canceled) {
		return "canceled", false
	}
	return gwerrors.Classify(err)
}
