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

package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	gwlog "github.com/tombee/mcpgateway/internal/log"
)

// Async decouples emitters from a slow sink through a bounded queue.
// Emit never blocks; events that do not fit are dropped and counted.
type Async struct {
	next   Sink
	onDrop func(Event)
	logger *slog.Logger

	// mu guards closed and the send on events against Close.
	mu      sync.RWMutex
	closed  bool
	events  chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// AsyncOptions configures an Async sink.
type AsyncOptions struct {
	// Buffer is the queue capacity (defaults to 1024).
	Buffer int

	// OnDrop is called for every dropped event (optional).
	OnDrop func(Event)

	Logger *slog.Logger
}

// NewAsync starts a goroutine that forwards queued events to next.
// Call Close to drain the queue and stop it.
func NewAsync(next Sink, opts AsyncOptions) *Async {
	if next == nil {
		next = Nop
	}
	buffer := opts.Buffer
	if buffer < 1 {
		buffer = 1024
	}
	a := &Async{
		next:   next,
		onDrop: opts.OnDrop,
		logger: gwlog.WithComponent(gwlog.Or(opts.Logger), "audit"),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Emit implements Sink.
func (a *Async) Emit(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.closed {
		select {
		case a.events <- ev:
			return
		default:
		}
	}
	a.dropped.Add(1)
	if a.onDrop != nil {
		a.onDrop(ev)
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered,
// or for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("audit sink panic", slog.Any("panic", r), slog.String(gwlog.EventKey, string(ev.Type)))
		}
	}()
	a.next.Emit(ev)
}
