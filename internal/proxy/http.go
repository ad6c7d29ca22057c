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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/tombee/mcpgateway/internal/registry"
)

// HTTPDispatcher posts payloads to streamable-HTTP MCP endpoints.
type HTTPDispatcher struct {
	// Client performs the exchange. Build it with httpclient.New.
	Client *http.Client

	// MaxResponseBytes caps the body read from a backend. Zero means no cap.
	MaxResponseBytes int64
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, rec registry.ServerRecord, call *jsonrpc.Request, payload []byte) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reply := &Reply{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	body := limitReader(resp.Body, d.MaxResponseBytes)

	if resp.StatusCode/100 == 2 && call.ID.IsValid() && isEventStream(reply.ContentType) {
		reply.Body, err = readEventStream(body, call.ID)
	} else {
		reply.Body, err = io.ReadAll(body)
	}
	if err != nil {
		return nil, err
	}
	if d.MaxResponseBytes > 0 && int64(len(reply.Body)) > d.MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	return reply, nil
}

func limitReader(r io.Reader, limit int64) io.Reader {
	if limit <= 0 {
		return r
	}
	// One extra byte lets the caller tell "exactly at the cap" from "over it".
	return io.LimitReader(r, limit+1)
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

// readEventStream scans server-sent events until one carries the JSON-RPC
// response for id. Server notifications and requests sent ahead of it are
// skipped. The stream is not read past the matching event.
func readEventStream(r io.Reader, id jsonrpc.ID) ([]byte, error) {
	br := bufio.NewReader(r)
	var data bytes.Buffer

	flush := func() ([]byte, bool, error) {
		if data.Len() == 0 {
			return nil, false, nil
		}
		raw := bytes.Clone(data.Bytes())
		data.Reset()
		msg, err := jsonrpc.DecodeMessage(raw)
		if err != nil {
			return nil, false, fmt.Errorf("%w: event data: %v", ErrMalformedResponse, err)
		}
		if resp, ok := msg.(*jsonrpc.Response); ok && sameID(resp.ID, id) {
			return raw, true, nil
		}
		return nil, false, nil
	}

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			switch {
			case len(line) == 0:
				if raw, ok, ferr := flush(); ferr != nil || ok {
					return raw, ferr
				}
			case bytes.HasPrefix(line, []byte("data:")):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.Write(bytes.TrimSpace(line[len("data:"):]))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			if raw, ok, ferr := flush(); ferr != nil || ok {
				return raw, ferr
			}
			return nil, fmt.Errorf("%w: event stream ended without a response", ErrMalformedResponse)
		}
	}
}
