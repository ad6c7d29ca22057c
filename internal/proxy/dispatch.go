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

// Package proxy forwards a JSON-RPC payload to the candidates chosen by the
// router, failing over in order until one backend answers.
package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/tombee/mcpgateway/internal/registry"
)

var (
	// ErrMalformedResponse marks a backend answer that is not a JSON-RPC
	// response to the forwarded call.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrResponseTooLarge marks a backend answer over the configured size cap.
	ErrResponseTooLarge = fmt.Errorf("%w: response too large", ErrMalformedResponse)

	// ErrDispatchPanic marks an attempt whose dispatcher panicked.
	ErrDispatchPanic = errors.New("dispatcher panicked")

	// ErrUnsupportedTransport is returned for records whose transport has no dispatcher.
	ErrUnsupportedTransport = errors.New("unsupported transport")
)

// Reply is the raw answer of a backend.
type Reply struct {
	// StatusCode is the HTTP status, or zero for transports without one.
	StatusCode int

	ContentType string

	// Body holds a single JSON-RPC message, or nothing for notifications.
	Body []byte
}

// StatusError reports a non-2xx HTTP status from a backend.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d", e.Code)
}

// Dispatcher delivers one payload to one backend. Implementations must abort
// promptly when ctx is done.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, payload []byte) (*Reply, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, payload []byte) (*Reply, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, payload []byte) (*Reply, error) {
	return f(ctx, rec, call, payload)
}

// TransportDispatcher picks a dispatcher by the record's transport.
type TransportDispatcher struct {
	HTTP      Dispatcher
	WebSocket Dispatcher
}

// Dispatch implements Dispatcher.
func (t TransportDispatcher) Dispatch(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, payload []byte) (*Reply, error) {
	var d Dispatcher
	switch rec.Transport {
	case registry.TransportHTTP, "":
		d = t.HTTP
	case registry.TransportWebSocket:
		d = t.WebSocket
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, rec.Transport)
	}
	return d.Dispatch(ctx, rec, call, payload)
}

// DecodeCall parses payload as a single JSON-RPC request or notification.
func DecodeCall(payload []byte) (*jsonrpc.Request, error) {
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	call, ok := msg.(*jsonrpc.Request)
	if !ok {
		return nil, errors.New("payload is a JSON-RPC response, not a request")
	}
	return call, nil
}

// checkBody verifies that body answers call.
func checkBody(call *jsonrpc.Request, body []byte) error {
	if !call.ID.IsValid() {
		// Notifications have no answer to check.
		return nil
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return fmt.Errorf("%w: expected a response, got a request", ErrMalformedResponse)
	}
	if !sameID(resp.ID, call.ID) {
		return fmt.Errorf("%w: response id %v does not match request id %v", ErrMalformedResponse, resp.ID.Raw(), call.ID.Raw())
	}
	return nil
}

func sameID(a, b jsonrpc.ID) bool {
	return a.Raw() == b.Raw()
}
