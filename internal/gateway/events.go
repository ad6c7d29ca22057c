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

package gateway

import (
	"time"

	"github.com/tombee/mcpgateway/internal/audit"
	"github.com/tombee/mcpgateway/internal/circuit"
	"github.com/tombee/mcpgateway/internal/health"
	"github.com/tombee/mcpgateway/internal/metrics"
	"github.com/tombee/mcpgateway/internal/proxy"
	"github.com/tombee/mcpgateway/internal/registry"
)

func (g *Gateway) onCircuitChange(tr circuit.Transition) {
	metrics.RecordCircuitTransition(string(tr.To))
	g.audit.Emit(audit.Event{
		Type:     audit.TypeCircuitChanged,
		Time:     g.now(),
		ServerID: tr.ServerID,
		From:     string(tr.From),
		To:       string(tr.To),
	})
}

func (g *Gateway) onHealthChange(tr health.Transition) {
	metrics.RecordHealthTransition(string(tr.To))
	g.audit.Emit(audit.Event{
		Type:     audit.TypeHealthChanged,
		Time:     g.now(),
		ServerID: tr.ServerID,
		From:     string(tr.From),
		To:       string(tr.To),
		Latency:  tr.State.LastLatency,
	})
}

// onRegistryChange drops per-server state when a server leaves the catalog.
func (g *Gateway) onRegistryChange(c registry.Change) {
	if c.Type == registry.ChangeDeregistered {
		g.breaker.Forget(c.Record.ID)
		g.monitor.Forget(c.Record.ID)
		g.router.InFlight().Forget(c.Record.ID)
	}
	metrics.SetRegisteredServers(g.registry.Len())
	g.audit.Emit(audit.Event{
		Type:     audit.TypeServerChanged,
		Time:     g.now(),
		TenantID: c.Record.TenantID,
		ServerID: c.Record.ID,
		To:       string(c.Type),
	})
}

func onProbe(_ string, _ time.Duration, err error) {
	if err != nil {
		metrics.RecordProbe("failure")
		return
	}
	metrics.RecordProbe("success")
}

func onAttempt(ev proxy.AttemptEvent) {
	outcome := "success"
	if ev.Kind != "" {
		outcome = string(ev.Kind)
	}
	metrics.RecordAttempt(ev.ServerID, outcome, ev.Latency.Seconds())
}
