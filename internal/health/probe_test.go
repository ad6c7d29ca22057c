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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcpgateway/internal/registry"
)

func TestHTTPProber(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"method not allowed is alive", http.StatusMethodNotAllowed, false},
		{"server error", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "mcpgateway-test", r.Header.Get("User-Agent"))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := &HTTPProber{Client: srv.Client(), UserAgent: "mcpgateway-test"}
			err := p.Probe(context.Background(), registry.ServerRecord{Endpoint: srv.URL})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProbeStatus)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPProber_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := &HTTPProber{}
	assert.Error(t, p.Probe(context.Background(), registry.ServerRecord{Endpoint: url}))
}

func TestWebSocketProber(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// The default ping handler answers with a pong while reading.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := &WebSocketProber{}
	require.NoError(t, p.Probe(ctx, registry.ServerRecord{Endpoint: wsURL, Transport: registry.TransportWebSocket}))
}

func TestWebSocketProber_NotAWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := &WebSocketProber{}
	assert.Error(t, p.Probe(context.Background(), registry.ServerRecord{Endpoint: wsURL}))
}

func TestMCPProber_FailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := &MCPProber{}
	assert.Error(t, p.Probe(ctx, registry.ServerRecord{Endpoint: srv.URL}))
}

func TestTransportProber_Dispatch(t *testing.T) {
	var got []string
	p := &TransportProber{
		HTTP: ProberFunc(func(context.Context, registry.ServerRecord) error {
			got = append(got, "http")
			return nil
		}),
		WebSocket: ProberFunc(func(context.Context, registry.ServerRecord) error {
			got = append(got, "ws")
			return nil
		}),
	}

	ctx := context.Background()
	require.NoError(t, p.Probe(ctx, registry.ServerRecord{Transport: registry.TransportHTTP}))
	require.NoError(t, p.Probe(ctx, registry.ServerRecord{Transport: registry.TransportWebSocket}))
	assert.Equal(t, []string{"http", "ws"}, got)

	assert.Error(t, (&TransportProber{}).Probe(ctx, registry.ServerRecord{}))
}
