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

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/mcpgateway/internal/gateway"
	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/proxy"
	"github.com/tombee/mcpgateway/internal/router"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
	"github.com/tombee/mcpgateway/pkg/httpclient"
)

// Caller identity and routing hint headers.
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderUserID    = "X-User-ID"
	HeaderRoles     = "X-Roles"
	HeaderTimeoutMs = "X-MCP-Timeout-Ms"
	HeaderPrefer    = "X-MCP-Prefer"
	HeaderServerID  = "X-MCP-Server-ID"
)

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

// JSON-RPC error codes returned by the gateway.
const (
	codeInvalidRequest = -32600
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
			return
		}
		writeRPCError(w, http.StatusBadRequest, nil, codeInvalidRequest, "reading request body: "+err.Error(), nil)
		return
	}

	ctx := r.Context()
	requestID := r.Header.Get(httpclient.RequestIDHeader)
	if requestID != "" {
		ctx = httpclient.WithRequestID(ctx, requestID)
	}

	id := gateway.Identity{
		TenantID: r.Header.Get(HeaderTenantID),
		UserID:   r.Header.Get(HeaderUserID),
		Roles:    splitList(r.Header.Get(HeaderRoles)),
	}
	req := router.RouteRequest{PreferredServerIDs: splitList(r.Header.Get(HeaderPrefer))}
	if v := r.Header.Get(HeaderTimeoutMs); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			writeRPCError(w, http.StatusBadRequest, nil, codeInvalidRequest, "invalid "+HeaderTimeoutMs+" header", nil)
			return
		}
		req.Timeout = time.Duration(ms) * time.Millisecond
	}

	resp, err := s.gw.Handle(ctx, id, req, body)
	if err != nil {
		s.writeGatewayError(w, body, err)
		return
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderServerID, resp.ServerID)
	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Debug("writing response failed", gwlog.Error(err))
	}
}

// StatusFor maps a gateway error to an HTTP status code.
func StatusFor(err error) int {
	errType, _ := gateway.Classify(err)
	switch errType {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "rate_limited":
		return http.StatusTooManyRequests
	case "no_candidate":
		return http.StatusServiceUnavailable
	case "proxy":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	case "canceled":
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

type attemptData struct {
	ServerID  string `json:"server_id"`
	Kind      string `json:"kind"`
	LatencyMs int64  `json:"latency_ms"`
}

type errorData struct {
	Type         string        `json:"type"`
	Retryable    bool          `json:"retryable"`
	RetryAfterMs int64         `json:"retry_after_ms,omitempty"`
	Field        string        `json:"field,omitempty"`
	Attempts     []attemptData `json:"attempts,omitempty"`
}

func (s *Server) writeGatewayError(w http.ResponseWriter, payload []byte, err error) {
	errType, retryable := gateway.Classify(err)
	status := StatusFor(err)
	data := &errorData{Type: errType, Retryable: retryable}
	code := codeServerError

	var (
		verr *gwerrors.ValidationError
		rl   *gwerrors.RateLimitedError
		perr *gwerrors.ProxyError
	)
	switch {
	case errors.As(err, &verr):
		data.Field = verr.Field
		code = codeInvalidParams
		if verr.Field == "payload" {
			code = codeInvalidRequest
		}
	case errors.As(err, &rl):
		data.RetryAfterMs = rl.RetryAfterMs()
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(rl.RetryAfter.Seconds())), 10))
	case errors.As(err, &perr):
		for _, a := range perr.Attempts {
			data.Attempts = append(data.Attempts, attemptData{
				ServerID:  a.ServerID,
				Kind:      string(a.Kind),
				LatencyMs: a.Latency.Milliseconds(),
			})
		}
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", gwlog.Error(err))
	}

	writeRPCError(w, status, callID(payload), code, err.Error(), data)
}

// callID returns the request's JSON-RPC id, or nil when it cannot be read.
func callID(payload []byte) any {
	call, err := proxy.DecodeCall(payload)
	if err != nil || !call.ID.IsValid() {
		return nil
	}
	return call.ID.Raw()
}

type rpcError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *errorData `json:"data,omitempty"`
}

type rpcErrorResponse struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      any      `json:"id"`
	Error   rpcError `json:"error"`
}

func writeRPCError(w http.ResponseWriter, status int, id any, code int, message string, data *errorData) {
	writeJSON(w, status, rpcErrorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcError{Code: code, Message: message, Data: data},
	})
}

// HealthResponse is the response format for /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime,omitempty"`
	Servers   int    `json:"servers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Servers:   len(s.gw.Snapshot().Servers),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Snapshot())
}

// VersionResponse is the response format for /v1/version.
type VersionResponse struct {
	BuildInfo
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		BuildInfo: s.build,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", gwlog.Error(err))
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
