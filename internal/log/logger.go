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

// Package log builds the gateway's structured loggers on top of log/slog.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug, used for payload-level tracing
// of proxied requests and responses.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging.
// These constants ensure consistent field naming across the codebase.
const (
	// ServerIDKey is the field key for backend server identifiers.
	ServerIDKey = "server_id"
	// TenantIDKey is the field key for tenant identifiers.
	TenantIDKey = "tenant_id"
	// UserIDKey is the field key for user identifiers.
	UserIDKey = "user_id"
	// RequestIDKey is the field key for per-request identifiers.
	RequestIDKey = "request_id"
	// MethodKey is the field key for the JSON-RPC method being proxied.
	MethodKey = "method"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
	// ComponentKey is the field key for the emitting component.
	ComponentKey = "component"
	// EventKey is the field key for event types.
	EventKey = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - MCPGATEWAY_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - MCPGATEWAY_LOG_LEVEL: trace, debug, info, warn, error (takes precedence over LOG_LEVEL)
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//   - LOG_SOURCE: 1 to enable source file/line (default: 0)
func FromEnv() *Config {
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	return cfg
}

// ApplyEnv overlays the logging environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	debug := os.Getenv("MCPGATEWAY_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("MCPGATEWAY_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Or returns logger, or slog.Default() when logger is nil.
func Or(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// WithRequestID returns a new logger with a request ID field.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(RequestIDKey, requestID)
}

// WithComponent returns a new logger with a component name field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(ComponentKey, component)
}

// WithServer returns a new logger scoped to a backend server.
func WithServer(logger *slog.Logger, serverID string) *slog.Logger {
	return logger.With(slog.String(ServerIDKey, serverID))
}

// WithCaller returns a new logger carrying the tenant and user of an inbound request.
func WithCaller(logger *slog.Logger, tenantID, userID string) *slog.Logger {
	return logger.With(
		slog.String(TenantIDKey, tenantID),
		slog.String(UserIDKey, userID),
	)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value int64) slog.Attr {
	return slog.Int64(key+"_ms", value)
}

// Trace logs a message at trace level with optional attributes.
// Used for payload-level output that is too noisy for debug.
func Trace(ctx context.Context, logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
}
