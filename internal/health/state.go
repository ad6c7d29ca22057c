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

// Package health tracks backend liveness with periodic probes.
package health

import "time"

// Status is the liveness classification of a backend server.
type Status string

const (
	// StatusUnknown is the initial status before any probe completes.
	StatusUnknown Status = "UNKNOWN"
	// StatusHealthy means recent probes succeeded.
	StatusHealthy Status = "HEALTHY"
	// StatusDegraded means the server is recovering or has started failing.
	StatusDegraded Status = "DEGRADED"
	// StatusUnhealthy means the server failed enough consecutive probes to be excluded from routing.
	StatusUnhealthy Status = "UNHEALTHY"
)

// Tier orders statuses for routing preference. Lower is better.
func (s Status) Tier() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	default:
		return 3
	}
}

// State is the health record of one server.
type State struct {
	Status               Status        `json:"status"`
	LastCheckedAt        time.Time     `json:"last_checked_at,omitzero"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastLatency          time.Duration `json:"last_latency"`
	LastError            string        `json:"last_error,omitempty"`
}

// LastLatencyMs returns LastLatency in milliseconds.
func (s State) LastLatencyMs() int64 { return s.LastLatency.Milliseconds() }

// Thresholds drive the status state machine.
type Thresholds struct {
	// Unhealthy is the number of consecutive failures that marks a server UNHEALTHY.
	Unhealthy int
	// Healthy is the number of consecutive successes that marks a server HEALTHY.
	Healthy int
}

// DefaultThresholds returns 3 failures to UNHEALTHY and 2 successes to HEALTHY.
func DefaultThresholds() Thresholds {
	return Thresholds{Unhealthy: 3, Healthy: 2}
}

// apply folds one probe result into s and returns the new state.
//
//	failure: UNHEALTHY once failures reach the threshold, otherwise DEGRADED
//	success: UNHEALTHY -> DEGRADED; UNKNOWN -> HEALTHY;
//	         DEGRADED -> HEALTHY once successes reach the threshold
func (t Thresholds) apply(s State, success bool) State {
	if success {
		s.ConsecutiveFailures = 0
		s.ConsecutiveSuccesses++
		s.LastError = ""

		switch s.Status {
		case StatusUnhealthy:
			s.Status = StatusDegraded
		case StatusUnknown:
			s.Status = StatusHealthy
		case StatusDegraded:
			if s.ConsecutiveSuccesses >= t.Healthy {
				s.Status = StatusHealthy
			}
		}
		return s
	}

	s.ConsecutiveSuccesses = 0
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= t.Unhealthy {
		s.Status = StatusUnhealthy
	} else {
		s.Status = StatusDegraded
	}
	return s
}
