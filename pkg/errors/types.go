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

package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents invalid input to a gateway operation.
// It is fatal to the call that produced it and never retried.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a missing resource, typically an unknown server id.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "server")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// RateLimitedError is returned when a request is denied by the rate limiter.
// The decision is terminal for the request; callers may retry after RetryAfter.
type RateLimitedError struct {
	// Scope is the scope that denied the request ("user", "tenant", "global").
	Scope string

	// ScopeID identifies the bucket within the scope.
	ScopeID string

	// RetryAfter is how long until enough tokens are available.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s scope %q, retry after %dms", e.Scope, e.ScopeID, e.RetryAfter.Milliseconds())
}

// ErrorType implements ErrorClassifier.
func (e *RateLimitedError) ErrorType() string { return "rate_limited" }

// IsRetryable implements ErrorClassifier.
func (e *RateLimitedError) IsRetryable() bool { return true }

// RetryAfterMs returns RetryAfter rounded up to whole milliseconds.
func (e *RateLimitedError) RetryAfterMs() int64 {
	ms := e.RetryAfter.Milliseconds()
	if e.RetryAfter%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// NoCandidateError means no registered server is currently able to serve the
// request. It is an expected condition, not a backend failure.
type NoCandidateError struct {
	// TenantID is the tenant the request was routed for.
	TenantID string

	// Tools and Resources echo the capability requirements that could not be met.
	Tools     []string
	Resources []string

	// Reason is a short description of why the candidate set was empty.
	Reason string
}

// Error implements the error interface.
func (e *NoCandidateError) Error() string {
	var parts []string
	if len(e.Tools) > 0 {
		parts = append(parts, "tools="+strings.Join(e.Tools, ","))
	}
	if len(e.Resources) > 0 {
		parts = append(parts, "resources="+strings.Join(e.Resources, ","))
	}
	msg := "no candidate server"
	if len(parts) > 0 {
		msg += " for " + strings.Join(parts, " ")
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ErrorType implements ErrorClassifier.
func (e *NoCandidateError) ErrorType() string { return "no_candidate" }

// IsRetryable implements ErrorClassifier.
func (e *NoCandidateError) IsRetryable() bool { return false }

// FailureKind classifies why a single proxy attempt failed.
type FailureKind string

const (
	// KindTimeout means the attempt exceeded its deadline.
	KindTimeout FailureKind = "timeout"
	// KindConnection means the backend could not be reached.
	KindConnection FailureKind = "connection"
	// KindMalformed means the backend answered with something that is not JSON-RPC.
	KindMalformed FailureKind = "malformed_response"
	// KindUpstream means the backend answered with a failover status (5xx, 429, 408).
	KindUpstream FailureKind = "upstream_status"
	// KindRejected means the backend refused the request (other 4xx).
	KindRejected FailureKind = "rejected"
	// KindCircuitOpen means the attempt was skipped because the circuit was open.
	KindCircuitOpen FailureKind = "circuit_open"
	// KindNotFound means the server was deregistered after routing.
	KindNotFound FailureKind = "not_found"
	// KindCanceled means the caller went away before the attempt completed.
	KindCanceled FailureKind = "canceled"
	// KindInternal means the dispatcher itself misbehaved.
	KindInternal FailureKind = "internal"
)

// Attempt records the outcome of one failed proxy attempt.
type Attempt struct {
	ServerID string
	Kind     FailureKind
	Latency  time.Duration
	Err      error
}

// ProxyError aggregates the failures of every attempted candidate.
type ProxyError struct {
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if len(e.Attempts) == 0 {
		return "proxy failed: no attempts made"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s=%s", a.ServerID, a.Kind)
	}
	return fmt.Sprintf("proxy failed after %d attempt(s): %s", len(e.Attempts), strings.Join(parts, ", "))
}

// Unwrap returns the per-attempt errors so errors.Is/As can see through.
func (e *ProxyError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// ErrorType implements ErrorClassifier.
func (e *ProxyError) ErrorType() string { return "proxy" }

// IsRetryable implements ErrorClassifier. A rejected request will be rejected
// again, everything else may succeed on a fresh request.
func (e *ProxyError) IsRetryable() bool {
	for _, a := range e.Attempts {
		if a.Kind == KindRejected {
			return false
		}
	}
	return true
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "rate_limit.tenant_share")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents a single attempt that exceeded its deadline.
// It only ever appears folded into a ProxyError attempt.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "dispatch to srv-1")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// Compile-time interface assertions.
var (
	_ ErrorClassifier = (*ValidationError)(nil)
	_ ErrorClassifier = (*NotFoundError)(nil)
	_ ErrorClassifier = (*RateLimitedError)(nil)
	_ ErrorClassifier = (*NoCandidateError)(nil)
	_ ErrorClassifier = (*ProxyError)(nil)
	_ ErrorClassifier = (*TimeoutError)(nil)
)
