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
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/mcpgateway/internal/registry"
)

// Prober checks whether a backend server is alive.
// Probe must honor ctx cancellation and return nil only on success.
type Prober interface {
	Probe(ctx context.Context, rec registry.ServerRecord) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, rec registry.ServerRecord) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, rec registry.ServerRecord) error {
	return f(ctx, rec)
}

// ErrProbeStatus is returned by HTTPProber when the server answers 5xx.
var ErrProbeStatus = errors.New("probe returned server error status")

// HTTPProber issues a GET against the server endpoint. Any response below
// 500 counts as alive: MCP endpoints commonly answer GET with 405, which
// still proves the process is serving.
type HTTPProber struct {
	Client    *http.Client
	UserAgent string
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, rec registry.ServerRecord) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %d", ErrProbeStatus, resp.StatusCode)
	}
	return nil
}

// MCPProber opens an MCP streamable HTTP session, initializes it and sends
// a ping. It is heavier than HTTPProber but proves the protocol layer works.
type MCPProber struct {
	ClientName    string
	ClientVersion string
	Headers       map[string]string
}

// Probe implements Prober.
func (p *MCPProber) Probe(ctx context.Context, rec registry.ServerRecord) error {
	var opts []transport.StreamableHTTPCOption
	if len(p.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(p.Headers))
	}

	c, err := client.NewStreamableHttpClient(rec.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP transport: %w", err)
	}

	name := p.ClientName
	if name == "" {
		name = "mcpgateway-health"
	}
	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    name,
				Version: p.ClientVersion,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// errPong stops the read loop once the pong arrives.
var errPong = errors.New("pong received")

// WebSocketProber dials the endpoint and exchanges a ping/pong control frame.
type WebSocketProber struct {
	Dialer *websocket.Dialer
}

// Probe implements Prober.
func (p *WebSocketProber) Probe(ctx context.Context, rec registry.ServerRecord) error {
	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, rec.Endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	if err := conn.WriteControl(websocket.PingMessage, []byte("health"), deadline); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	conn.SetPongHandler(func(string) error { return errPong })
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if errors.Is(err, errPong) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return nil
			}
			return fmt.Errorf("waiting for pong: %w", err)
		}
	}
}

// TransportProber dispatches to a prober by the server's transport.
type TransportProber struct {
	HTTP      Prober
	WebSocket Prober
}

// Probe implements Prober.
func (p *TransportProber) Probe(ctx context.Context, rec registry.ServerRecord) error {
	switch rec.Transport {
	case registry.TransportWebSocket:
		if p.WebSocket == nil {
			return fmt.Errorf("no websocket prober configured")
		}
		return p.WebSocket.Probe(ctx, rec)
	default:
		if p.HTTP == nil {
			return fmt.Errorf("no http prober configured")
		}
		return p.HTTP.Probe(ctx, rec)
	}
}
