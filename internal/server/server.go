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

// Package server exposes the gateway over HTTP.
//
// Callers reach backends with POST /mcp. The caller's identity arrives in
// headers set by the authenticating proxy in front of the gateway:
//
//	X-Tenant-ID        tenant of the caller
//	X-User-ID          user of the caller
//	X-Roles            comma-separated roles
//	X-Request-ID       optional correlation id, generated when absent
//	X-MCP-Timeout-Ms   optional per-attempt timeout
//	X-MCP-Prefer       optional comma-separated preferred server ids
//
// Operational endpoints are GET /healthz, GET /v1/snapshot, GET /v1/version
// and GET /metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/mcpgateway/internal/config"
	"github.com/tombee/mcpgateway/internal/gateway"
	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/proxy"
	"github.com/tombee/mcpgateway/internal/router"
)

// Gateway is the subset of *gateway.Gateway the transport needs.
type Gateway interface {
	Handle(ctx context.Context, id gateway.Identity, req router.RouteRequest, payload []byte) (*proxy.Response, error)
	Snapshot() gateway.Snapshot
}

// BuildInfo is reported by /v1/version.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server serves the gateway's HTTP endpoints.
type Server struct {
	cfg     config.ServerConfig
	gw      Gateway
	build   BuildInfo
	logger  *slog.Logger
	started time.Time

	http *http.Server
}

// New creates a server. It does not listen until Serve.
func New(cfg config.ServerConfig, gw Gateway, build BuildInfo, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		gw:      gw,
		build:   build,
		logger:  gwlog.WithComponent(gwlog.Or(logger), "server"),
		started: time.Now(),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handleMCP)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())
	return gwlog.HTTPMiddleware(s.logger)(mux)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by server.shutdown_timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}
