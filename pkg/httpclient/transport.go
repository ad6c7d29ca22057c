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

package httpclient

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// RequestIDHeader carries the gateway request id to backends.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID returns a context whose outgoing requests carry id.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// loggingTransport sets the User-Agent and request id headers and logs
// each exchange with a sanitized URL.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func newLoggingTransport(base http.RoundTripper, userAgent string, logger *slog.Logger) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingTransport{
		base:      base,
		userAgent: userAgent,
		logger:    logger,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	// RoundTrip must not mutate the caller's request.
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" && t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if id := RequestIDFromContext(req.Context()); id != "" && req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, id)
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()
	logURL := SanitizeURL(req.URL)

	if err != nil {
		t.logger.Warn("backend request failed",
			"method", req.Method,
			"url", logURL,
			"duration_ms", duration,
			"error", err.Error(),
		)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "backend request",
		"method", req.Method,
		"url", logURL,
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
