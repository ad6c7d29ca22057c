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

package router

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/tombee/mcpgateway/internal/health"
	"github.com/tombee/mcpgateway/internal/registry"
)

// Strategy names.
const (
	RoundRobin       = "round_robin"
	LeastConnections = "least_connections"
	WeightedRandom   = "weighted_random"
)

// Candidate is a routable server with the signals strategies rank on.
type Candidate struct {
	Record   registry.ServerRecord
	Health   health.State
	InFlight int
}

// Strategy orders candidates. key identifies the capability being routed
// so stateful strategies can keep independent cursors per capability.
// Implementations must be safe for concurrent use and must not retain
// the slice.
type Strategy interface {
	Name() string
	Order(key string, cands []Candidate) []Candidate
}

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string, rnd func() float64) (Strategy, error) {
	switch name {
	case RoundRobin, "":
		return newRoundRobin(), nil
	case LeastConnections:
		return leastConnections{}, nil
	case WeightedRandom:
		if rnd == nil {
			rnd = rand.Float64
		}
		return &weightedRandom{rand: rnd}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}
}

// maxCursors bounds the round-robin cursor map. Past it, an arbitrary
// cursor is dropped to make room and that key restarts from zero.
const maxCursors = 4096

// roundRobin rotates the candidate list, one cursor per capability key.
type roundRobin struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{cursors: make(map[string]uint64)}
}

func (r *roundRobin) Name() string { return RoundRobin }

func (r *roundRobin) Order(key string, cands []Candidate) []Candidate {
	n := len(cands)
	if n == 0 {
		return cands
	}

	sorted := make([]Candidate, n)
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Record.ID < sorted[j].Record.ID })

	r.mu.Lock()
	cursor, ok := r.cursors[key]
	if !ok && len(r.cursors) >= maxCursors {
		for k := range r.cursors {
			delete(r.cursors, k)
			break
		}
	}
	r.cursors[key] = cursor + 1
	r.mu.Unlock()

	start := int(cursor % uint64(n))
	out := make([]Candidate, 0, n)
	out = append(out, sorted[start:]...)
	out = append(out, sorted[:start]...)
	return out
}

// leastConnections prefers the fewest calls in flight. Ties go to the
// better health tier, then the lower observed latency, then the lower id.
type leastConnections struct{}

func (leastConnections) Name() string { return LeastConnections }

func (leastConnections) Order(_ string, cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.InFlight != b.InFlight {
			return a.InFlight < b.InFlight
		}
		if ta, tb := a.Health.Status.Tier(), b.Health.Status.Tier(); ta != tb {
			return ta < tb
		}
		if la, lb := latencyRank(a.Health.LastLatency), latencyRank(b.Health.LastLatency); la != lb {
			return la < lb
		}
		return a.Record.ID < b.Record.ID
	})
	return out
}

// latencyRank sorts unmeasured servers after measured ones.
func latencyRank(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return d
}

// weightedRandom draws an order without replacement, proportional to each
// candidate's weight: the static weight when set, otherwise the inverse of
// the last observed latency in seconds. Unmeasured servers weigh 1.
type weightedRandom struct {
	mu   sync.Mutex
	rand func() float64
}

func (w *weightedRandom) Name() string { return WeightedRandom }

func weightOf(c Candidate) float64 {
	if c.Record.Weight > 0 {
		return c.Record.Weight
	}
	if c.Health.LastLatency > 0 {
		return 1 / math.Max(c.Health.LastLatency.Seconds(), 0.001)
	}
	return 1
}

func (w *weightedRandom) Order(_ string, cands []Candidate) []Candidate {
	type keyed struct {
		c   Candidate
		key float64
	}

	ks := make([]keyed, len(cands))
	w.mu.Lock()
	for i, c := range cands {
		u := w.rand()
		if u <= 0 {
			u = math.SmallestNonzeroFloat64
		}
		// Efraimidis-Spirakis: the largest u^(1/w) is drawn first.
		ks[i] = keyed{c: c, key: math.Log(u) / weightOf(c)}
	}
	w.mu.Unlock()

	sort.SliceStable(ks, func(i, j int) bool { return ks[i].key > ks[j].key })

	out := make([]Candidate, len(ks))
	for i, k := range ks {
		out[i] = k.c
	}
	return out
}
