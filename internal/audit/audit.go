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

// Package audit carries gateway events to external collaborators.
//
// Emit is fire-and-forget: sinks must never block or fail the request path.
// Wrap slow sinks in an Async sink, which drops events when its buffer is full.
package audit

import (
	"context"
	"log/slog"
	"time"

	gwlog "github.com/tombee/mcpgateway/internal/log"
)

// Type identifies the kind of event.
type Type string

const (
	TypeProxyOutcome   Type = "proxy_outcome"
	TypeRateLimited    Type = "rate_limited"
	TypeNoCandidate    Type = "no_candidate"
	TypeHealthChanged  Type = "health_changed"
	TypeCircuitChanged Type = "circuit_changed"
	TypeServerChanged  Type = "server_changed"
)

// Event is a single audit record. Fields that do not apply to a Type are zero.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	RequestID string `json:"request_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Method    string `json:"method,omitempty"`

	ServerID string `json:"server_id,omitempty"`

	// Success and Kind describe a proxy outcome. Kind is the failure kind of
	// the last attempt when Success is false.
	Success  bool          `json:"success,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`
	Attempts int           `json:"attempts,omitempty"`

	// Scope and RetryAfter describe a rate limit denial.
	Scope      string        `json:"scope,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// From and To describe a state transition or registry change.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Sink receives events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans each event out to every sink in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// SlogSink writes events as structured log records.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink returns a sink logging to logger under the audit component.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{Logger: gwlog.WithComponent(gwlog.Or(logger), "audit")}
}

// Emit implements Sink.
func (s *SlogSink) Emit(ev Event) {
	logger := gwlog.Or(s.Logger)

	attrs := []slog.Attr{slog.String(gwlog.EventKey, string(ev.Type))}
	add := func(key, v string) {
		if v != "" {
			attrs = append(attrs, slog.String(key, v))
		}
	}
	add(gwlog.RequestIDKey, ev.RequestID)
	add(gwlog.TenantIDKey, ev.TenantID)
	add(gwlog.UserIDKey, ev.UserID)
	add(gwlog.MethodKey, ev.Method)
	add(gwlog.ServerIDKey, ev.ServerID)
	add("kind", ev.Kind)
	add("scope", ev.Scope)
	add("from", ev.From)
	add("to", ev.To)

	level := slog.LevelInfo
	switch ev.Type {
	case TypeProxyOutcome:
		attrs = append(attrs,
			slog.Bool("success", ev.Success),
			slog.Int("attempts", ev.Attempts),
			gwlog.Duration("latency", ev.Latency.Milliseconds()),
		)
		if !ev.Success {
			level = slog.LevelWarn
		}
	case TypeRateLimited:
		attrs = append(attrs, gwlog.Duration("retry_after", ev.RetryAfter.Milliseconds()))
	}

	logger.LogAttrs(context.Background(), level, "audit event", attrs...)
}
