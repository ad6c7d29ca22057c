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

package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{"ok is debug", http.StatusOK, "DEBUG"},
		{"client error is warn", http.StatusTooManyRequests, "WARN"},
		{"server error is error", http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

			h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))

			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log: %v", err)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", entry["level"], tt.wantLevel)
			}
			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["path"] != "/mcp" {
				t.Errorf("path = %v, want /mcp", entry["path"])
			}
			if entry["bytes"] != float64(4) {
				t.Errorf("bytes = %v, want 4", entry["bytes"])
			}
		})
	}
}

func TestHTTPMiddleware_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log: %v", err)
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
}
