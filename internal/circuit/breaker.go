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

// Package circuit implements per-server circuit breakers.
//
// Each server has its own breaker guarded by its own lock; a transition is
// visible to the very next Allow on the same server.
package circuit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gwlog "github.com/tombee/mcpgateway/internal/log"
)

// State is the breaker position.
type State string

const (
	// StateClosed lets every call through.
	StateClosed State = "CLOSED"
	// StateOpen rejects every call until the cooldown elapses.
	StateOpen State = "OPEN"
	// StateHalfOpen lets a single trial call through at a time.
	StateHalfOpen State = "HALF_OPEN"
)

// Config configures every breaker created by a Breaker.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens
	// the circuit (defaults to 5).
	FailureThreshold int

	// Window is the rolling window for FailureThreshold. Zero counts
	// consecutive failures instead: any success resets the count.
	Window time.Duration

	// Cooldown is how long the circuit stays open before a trial is allowed
	// (defaults to 30s). It also bounds how long an unreported trial holds
	// the half-open slot.
	Cooldown time.Duration

	// HalfOpenSuccesses is the number of consecutive trial successes that
	// closes the circuit (defaults to 2).
	HalfOpenSuccesses int
}

// DefaultConfig returns 5 failures per 60s, a 30s cooldown and 2 trial successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Window:            60 * time.Second,
		Cooldown:          30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Snapshot is a point-in-time view of one server's breaker.
type Snapshot struct {
	State                  State     `json:"state"`
	OpenedAt               time.Time `json:"opened_at,omitzero"`
	FailureCount           int       `json:"failure_count"`
	SuccessCountInHalfOpen int       `json:"success_count_in_half_open"`
	TrialInFlight          bool      `json:"trial_in_flight"`
}

// Transition describes a state change of one server's breaker.
type Transition struct {
	ServerID string
	From     State
	To       State
}

// Ticket is handed out by Allow for each admitted call. An outcome only
// counts against the state that admitted it: results of calls admitted
// before a transition, and of half-open trials whose lease was taken over,
// are ignored.
type Ticket struct {
	ServerID string
	epoch    uint64
	trial    uint64
}

type circuit struct {
	mu sync.Mutex

	state     State
	epoch     uint64
	failures  []time.Time
	openedAt  time.Time
	successes int

	trialInFlight bool
	trial         uint64
	trialStarted  time.Time
}

// Options holds optional Breaker collaborators.
type Options struct {
	// OnStateChange is called after every transition, outside the lock (optional).
	OnStateChange func(Transition)

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Clock overrides time.Now (optional)
	Clock func() time.Time
}

// Breaker holds one circuit per server id.
type Breaker struct {
	cfg      Config
	circuits sync.Map // server id -> *circuit
	seq      atomic.Uint64

	onChange func(Transition)
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Breaker. Zero config fields take their defaults.
func New(cfg Config, opts Options) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if cfg.Window < 0 {
		cfg.Window = 0
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Breaker{
		cfg:      cfg,
		onChange: opts.OnStateChange,
		logger:   gwlog.WithComponent(gwlog.Or(opts.Logger), "circuit"),
		now:      now,
	}
}

func (b *Breaker) circuitFor(id string) *circuit {
	if v, ok := b.circuits.Load(id); ok {
		return v.(*circuit)
	}
	v, _ := b.circuits.LoadOrStore(id, &circuit{state: StateClosed, epoch: b.next()})
	return v.(*circuit)
}

// next returns a sequence number unique across all circuits of b, so a
// ticket never matches a circuit recreated after Forget.
func (b *Breaker) next() uint64 {
	return b.seq.Add(1)
}

// Allow reports whether a call to id may proceed and returns the ticket
// to report its outcome with. In HALF_OPEN it acquires the single trial
// slot; the caller must later call RecordOutcome or Release with the
// ticket. An OPEN circuit whose cooldown has elapsed moves to HALF_OPEN
// and the caller that triggered the move gets the trial.
func (b *Breaker) Allow(id string) (Ticket, bool) {
	c := b.circuitFor(id)
	now := b.now()

	c.mu.Lock()
	var tr *Transition
	if c.state == StateOpen && now.Sub(c.openedAt) >= b.cfg.Cooldown {
		tr = c.moveTo(id, StateHalfOpen, b.next())
		c.successes = 0
		c.trialInFlight = false
	}

	tk := Ticket{ServerID: id, epoch: c.epoch}
	allowed := true
	switch c.state {
	case StateOpen:
		allowed = false
	case StateHalfOpen:
		if c.trialInFlight && now.Sub(c.trialStarted) < b.cfg.Cooldown {
			allowed = false
		} else {
			c.trialInFlight = true
			c.trial = b.next()
			c.trialStarted = now
			tk.trial = c.trial
		}
	}
	c.mu.Unlock()

	b.emit(tr)
	if !allowed {
		return Ticket{ServerID: id}, false
	}
	return tk, true
}

// Peek reports whether Allow would currently succeed without acquiring the
// trial slot or changing state.
func (b *Breaker) Peek(id string) bool {
	v, ok := b.circuits.Load(id)
	if !ok {
		return true
	}
	c := v.(*circuit)
	now := b.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		return now.Sub(c.openedAt) >= b.cfg.Cooldown
	case StateHalfOpen:
		return !c.trialInFlight || now.Sub(c.trialStarted) >= b.cfg.Cooldown
	default:
		return true
	}
}

// RecordOutcome feeds the result of the call admitted with tk into its
// breaker. Stale tickets are ignored.
func (b *Breaker) RecordOutcome(tk Ticket, success bool) {
	v, ok := b.circuits.Load(tk.ServerID)
	if !ok {
		return
	}
	c := v.(*circuit)
	id := tk.ServerID
	now := b.now()

	c.mu.Lock()
	if tk.epoch != c.epoch {
		// Admitted before the last transition.
		c.mu.Unlock()
		return
	}
	var tr *Transition
	switch c.state {
	case StateClosed:
		if success {
			if b.cfg.Window == 0 {
				c.failures = c.failures[:0]
			}
			break
		}
		c.failures = append(c.failures, now)
		c.pruneFailures(now, b.cfg.Window)
		if len(c.failures) >= b.cfg.FailureThreshold {
			tr = c.moveTo(id, StateOpen, b.next())
			c.openedAt = now
		}

	case StateHalfOpen:
		if !c.trialInFlight || tk.trial != c.trial {
			// A trial whose lease expired and was handed to another caller.
			break
		}
		c.trialInFlight = false
		c.trial = 0
		if !success {
			tr = c.moveTo(id, StateOpen, b.next())
			c.openedAt = now
			c.successes = 0
			break
		}
		c.successes++
		if c.successes >= b.cfg.HalfOpenSuccesses {
			tr = c.moveTo(id, StateClosed, b.next())
			c.successes = 0
			c.failures = c.failures[:0]
			c.openedAt = time.Time{}
		}

	case StateOpen:
		// Allow never admits while OPEN, so no current ticket exists.
	}
	c.mu.Unlock()

	b.emit(tr)
}

// Release gives back a trial slot acquired by Allow without recording an
// outcome, for calls abandoned by the caller. Only the current trial's
// ticket frees the slot.
func (b *Breaker) Release(tk Ticket) {
	v, ok := b.circuits.Load(tk.ServerID)
	if !ok {
		return
	}
	c := v.(*circuit)

	c.mu.Lock()
	if c.state == StateHalfOpen && tk.epoch == c.epoch && c.trialInFlight && tk.trial == c.trial {
		c.trialInFlight = false
		c.trial = 0
	}
	c.mu.Unlock()
}

// State returns a snapshot of id's breaker. Servers never seen are CLOSED.
func (b *Breaker) State(id string) Snapshot {
	v, ok := b.circuits.Load(id)
	if !ok {
		return Snapshot{State: StateClosed}
	}
	c := v.(*circuit)
	now := b.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	failures := len(c.failures)
	if c.state == StateClosed && b.cfg.Window > 0 {
		cutoff := now.Add(-b.cfg.Window)
		failures = 0
		for _, t := range c.failures {
			if t.After(cutoff) {
				failures++
			}
		}
	}

	return Snapshot{
		State:                  c.state,
		OpenedAt:               c.openedAt,
		FailureCount:           failures,
		SuccessCountInHalfOpen: c.successes,
		TrialInFlight:          c.trialInFlight,
	}
}

// Forget drops the breaker for id.
func (b *Breaker) Forget(id string) {
	b.circuits.Delete(id)
}

// moveTo changes state, starts a new epoch and returns the transition.
// Callers hold c.mu.
func (c *circuit) moveTo(id string, to State, epoch uint64) *Transition {
	from := c.state
	c.state = to
	c.epoch = epoch
	return &Transition{ServerID: id, From: from, To: to}
}

// pruneFailures drops failures older than window. Callers hold c.mu.
func (c *circuit) pruneFailures(now time.Time, window time.Duration) {
	if window <= 0 {
		return
	}
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.failures) && !c.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.failures = append(c.failures[:0], c.failures[i:]...)
	}
}

func (b *Breaker) emit(tr *Transition) {
	if tr == nil {
		return
	}

	level := slog.LevelInfo
	if tr.To == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit state changed",
		slog.String(gwlog.ServerIDKey, tr.ServerID),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
	)

	if b.onChange != nil {
		b.onChange(*tr)
	}
}
