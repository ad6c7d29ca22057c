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

// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts Handle calls by result
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_requests_total",
			Help: "Total gateway requests by result",
		},
		[]string{"result"},
	)

	// attemptsTotal counts proxy attempts by server and outcome
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_proxy_attempts_total",
			Help: "Total proxy attempts by server and outcome",
		},
		[]string{"server_id", "outcome"},
	)

	attemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgateway_proxy_attempt_duration_seconds",
			Help:    "Latency of dispatched proxy attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server_id"},
	)

	// rateLimitedTotal counts denials by the scope that denied
	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_rate_limited_total",
			Help: "Total requests denied by the rate limiter by scope",
		},
		[]string{"scope"},
	)

	circuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_circuit_transitions_total",
			Help: "Total circuit breaker transitions by target state",
		},
		[]string{"to"},
	)

	healthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_health_transitions_total",
			Help: "Total health state transitions by target status",
		},
		[]string{"to"},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgateway_health_probes_total",
			Help: "Total health probes by result",
		},
		[]string{"result"},
	)

	auditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpgateway_audit_dropped_total",
			Help: "Total audit events dropped because the queue was full",
		},
	)

	flushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpgateway_registry_flush_errors_total",
			Help: "Total registry records that failed to flush to the store",
		},
	)

	registeredServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpgateway_registered_servers",
			Help: "Number of servers in the registry",
		},
	)

	rateLimitBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpgateway_rate_limit_buckets",
			Help: "Number of live rate limit buckets",
		},
	)
)

// RecordRequest counts a finished Handle call. result is "ok" or an error type.
func RecordRequest(result string) {
	requestsTotal.WithLabelValues(result).Inc()
}

// RecordAttempt counts one proxy attempt. outcome is "success" or a failure kind.
// Skipped attempts pass a zero latency and are not observed in the histogram.
func RecordAttempt(serverID, outcome string, seconds float64) {
	attemptsTotal.WithLabelValues(serverID, outcome).Inc()
	if seconds > 0 {
		attemptLatency.WithLabelValues(serverID).Observe(seconds)
	}
}

// RecordRateLimited counts a denial by scope.
func RecordRateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(scope).Inc()
}

// RecordCircuitTransition counts a breaker moving into state to.
func RecordCircuitTransition(to string) {
	circuitTransitions.WithLabelValues(to).Inc()
}

// RecordHealthTransition counts a server moving into status to.
func RecordHealthTransition(to string) {
	healthTransitions.WithLabelValues(to).Inc()
}

// RecordProbe counts a health probe. result is "success" or "failure".
func RecordProbe(result string) {
	probesTotal.WithLabelValues(result).Inc()
}

// RecordAuditDropped counts an audit event lost to a full queue.
func RecordAuditDropped() {
	auditDropped.Inc()
}

// RecordFlushError counts a registry record that failed to persist.
func RecordFlushError() {
	flushErrors.Inc()
}

// SetRegisteredServers sets the registry size gauge.
func SetRegisteredServers(n int) {
	registeredServers.Set(float64(n))
}

// SetRateLimitBuckets sets the live bucket gauge.
func SetRateLimitBuckets(n int) {
	rateLimitBuckets.Set(float64(n))
}
