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

// Package httpclient builds the pooled HTTP client the gateway uses to reach
// backend MCP servers.
//
// The client never retries on its own: failover across servers is the proxy
// layer's job, and retrying the same backend would hide its failures from the
// circuit breaker. Redirects are not followed.
//
// Every exchange is logged through log/slog with sensitive query parameters
// and URL userinfo redacted. A request id placed on the context with
// WithRequestID is forwarded in the X-Request-ID header.
package httpclient
