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
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/tombee/mcpgateway/internal/registry"
	"github.com/tombee/mcpgateway/pkg/httpclient"
)

// WebSocketDispatcher exchanges one JSON-RPC message pair per connection.
type WebSocketDispatcher struct {
	// Dialer opens connections. Nil uses a dialer with a 10s handshake timeout.
	Dialer *websocket.Dialer

	// MaxResponseBytes caps a single inbound frame. Zero means no cap.
	MaxResponseBytes int64

	// UserAgent is sent on the handshake when set.
	UserAgent string
}

// Dispatch implements Dispatcher.
func (d *WebSocketDispatcher) Dispatch(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, payload []byte) (*Reply, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	header := http.Header{}
	if d.UserAgent != "" {
		header.Set("User-Agent", d.UserAgent)
	}
	if id := httpclient.RequestIDFromContext(ctx); id != "" {
		header.Set(httpclient.RequestIDHeader, id)
	}

	conn, _, err := dialer.DialContext(ctx, rec.Endpoint, header)
	if err != nil {
		return nil, withContext(ctx, fmt.Errorf("dialing: %w", err))
	}
	defer conn.Close()

	// Closing the connection unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if d.MaxResponseBytes > 0 {
		conn.SetReadLimit(d.MaxResponseBytes)
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, withContext(ctx, fmt.Errorf("writing: %w", err))
	}
	if !call.ID.IsValid() {
		return &Reply{}, nil
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrResponseTooLarge
			}
			return nil, withContext(ctx, fmt.Errorf("reading: %w", err))
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if resp, ok := msg.(*jsonrpc.Response); ok && sameID(resp.ID, call.ID) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return &Reply{ContentType: "application/json", Body: data}, nil
		}
	}
}

// withContext folds ctx's error into err so callers can tell a deadline or
// cancellation from the network error it caused.
func withContext(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", cerr, err)
	}
	return err
}
