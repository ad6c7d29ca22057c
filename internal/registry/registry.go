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

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gwlog "github.com/tombee/mcpgateway/internal/log"
	"github.com/tombee/mcpgateway/internal/store"
	gwerrors "github.com/tombee/mcpgateway/pkg/errors"
)

// Registry is the authoritative catalog of backend servers.
// It is safe for concurrent use: many readers, serialized writers.
type Registry struct {
	// mu protects byID, byName and listeners
	mu        sync.RWMutex
	byID      map[string]*entry
	byName    map[nameKey]string
	listeners []func(Change)

	writer *writeBehind
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

type nameKey struct {
	tenant string
	name   string
}

// Options configures a Registry.
type Options struct {
	// Repository receives write-behind flushes. Nil disables persistence.
	Repository store.Repository

	// FlushInterval is the write-behind period used by Start (defaults to 1s).
	FlushInterval time.Duration

	// OnFlushError is called for every record that failed to flush (optional).
	OnFlushError func(id string, err error)

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Clock overrides time.Now (optional)
	Clock func() time.Time

	// IDGenerator overrides uuid generation (optional)
	IDGenerator func() string
}

// New creates an empty registry.
func New(opts Options) *Registry {
	logger := gwlog.WithComponent(gwlog.Or(opts.Logger), "registry")

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	newID := opts.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}

	r := &Registry{
		byID:   make(map[string]*entry),
		byName: make(map[nameKey]string),
		logger: logger,
		now:    now,
		newID:  newID,
	}
	if opts.Repository != nil {
		r.writer = newWriteBehind(opts.Repository, opts.FlushInterval, opts.OnFlushError, logger)
	}
	return r
}

// Subscribe registers fn to be called after every catalog mutation.
// Callbacks run synchronously on the mutating goroutine after the
// registry lock has been released.
func (r *Registry) Subscribe(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register validates rec, assigns it a new ID and adds it to the catalog.
// Any ID on rec is ignored.
func (r *Registry) Register(ctx context.Context, rec ServerRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rec = rec.Clone()
	if err := normalize(&rec); err != nil {
		return "", err
	}
	e, err := newEntry(rec)
	if err != nil {
		return "", &gwerrors.ValidationError{Field: "resources", Message: err.Error()}
	}

	r.mu.Lock()
	key := nameKey{tenant: rec.TenantID, name: rec.Name}
	if _, taken := r.byName[key]; taken {
		r.mu.Unlock()
		return "", duplicateName(rec)
	}

	rec.ID = r.newID()
	rec.CreatedAt = r.now()
	rec.UpdatedAt = rec.CreatedAt
	e.rec = rec

	r.byID[rec.ID] = e
	r.byName[key] = rec.ID
	listeners := r.listeners
	r.mu.Unlock()

	r.persist(rec)
	r.logger.Info("server registered",
		slog.String(gwlog.ServerIDKey, rec.ID),
		slog.String("name", rec.Name),
		slog.String(gwlog.TenantIDKey, rec.TenantID),
		slog.String("endpoint", rec.Endpoint),
	)
	notify(listeners, Change{Type: ChangeRegistered, Record: rec.Clone()})
	return rec.ID, nil
}

// Update replaces the record for id. The ID and creation time are preserved.
func (r *Registry) Update(ctx context.Context, id string, rec ServerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rec = rec.Clone()
	if err := normalize(&rec); err != nil {
		return err
	}
	e, err := newEntry(rec)
	if err != nil {
		return &gwerrors.ValidationError{Field: "resources", Message: err.Error()}
	}

	r.mu.Lock()
	cur, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return &gwerrors.NotFoundError{Resource: "server", ID: id}
	}

	oldKey := nameKey{tenant: cur.rec.TenantID, name: cur.rec.Name}
	newKey := nameKey{tenant: rec.TenantID, name: rec.Name}
	if owner, taken := r.byName[newKey]; taken && owner != id {
		r.mu.Unlock()
		return duplicateName(rec)
	}

	rec.ID = id
	rec.CreatedAt = cur.rec.CreatedAt
	rec.UpdatedAt = r.now()
	e.rec = rec

	delete(r.byName, oldKey)
	r.byName[newKey] = id
	r.byID[id] = e
	listeners := r.listeners
	r.mu.Unlock()

	r.persist(rec)
	r.logger.Info("server updated", slog.String(gwlog.ServerIDKey, id), slog.String("name", rec.Name))
	notify(listeners, Change{Type: ChangeUpdated, Record: rec.Clone()})
	return nil
}

// Deregister removes id from the catalog. The next Get or List no longer
// returns it. Deregistering an unknown id returns a *errors.NotFoundError.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	cur, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return &gwerrors.NotFoundError{Resource: "server", ID: id}
	}
	delete(r.byID, id)
	delete(r.byName, nameKey{tenant: cur.rec.TenantID, name: cur.rec.Name})
	listeners := r.listeners
	r.mu.Unlock()

	if r.writer != nil {
		r.writer.enqueueDelete(id)
	}
	r.logger.Info("server deregistered", slog.String(gwlog.ServerIDKey, id), slog.String("name", cur.rec.Name))
	notify(listeners, Change{Type: ChangeDeregistered, Record: cur.rec.Clone()})
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (ServerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return ServerRecord{}, &gwerrors.NotFoundError{Resource: "server", ID: id}
	}
	return e.rec.Clone(), nil
}

// Exists reports whether id is currently registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// List returns copies of all records matching f, ordered by ID.
func (r *Registry) List(f Filter) []ServerRecord {
	r.mu.RLock()
	out := make([]ServerRecord, 0, len(r.byID))
	for _, e := range r.byID {
		if e.matches(f) {
			out = append(out, e.rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByName returns the record named name in the tenant scope.
func (r *Registry) FindByName(tenantID, name string) (ServerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[nameKey{tenant: tenantID, name: name}]
	if !ok {
		return ServerRecord{}, false
	}
	return r.byID[id].rec.Clone(), true
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Load replaces the catalog with the repository contents. Records that no
// longer validate are skipped with a warning. Load is a no-op without a
// repository.
func (r *Registry) Load(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}

	recs, err := r.writer.repo.LoadAll(ctx)
	if err != nil {
		return gwerrors.Wrap(err, "loading servers")
	}

	byID := make(map[string]*entry, len(recs))
	byName := make(map[nameKey]string, len(recs))
	for _, sr := range recs {
		rec := fromStoreRecord(sr)
		if err := normalize(&rec); err != nil {
			r.logger.Warn("skipping stored server", slog.String(gwlog.ServerIDKey, rec.ID), gwlog.Error(err))
			continue
		}
		e, err := newEntry(rec)
		if err != nil {
			r.logger.Warn("skipping stored server", slog.String(gwlog.ServerIDKey, rec.ID), gwlog.Error(err))
			continue
		}
		key := nameKey{tenant: rec.TenantID, name: rec.Name}
		if _, dup := byName[key]; dup {
			r.logger.Warn("skipping stored server with duplicate name",
				slog.String(gwlog.ServerIDKey, rec.ID), slog.String("name", rec.Name))
			continue
		}
		byID[rec.ID] = e
		byName[key] = rec.ID
	}

	r.mu.Lock()
	r.byID = byID
	r.byName = byName
	r.mu.Unlock()

	r.logger.Info("servers loaded", slog.Int("count", len(byID)))
	return nil
}

// Flush writes pending mutations to the repository.
func (r *Registry) Flush(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	return r.writer.flush(ctx)
}

// Pending returns the number of mutations not yet flushed.
func (r *Registry) Pending() int {
	if r.writer == nil {
		return 0
	}
	return r.writer.pendingCount()
}

// Start runs the write-behind loop until ctx is cancelled or Close is called.
func (r *Registry) Start(ctx context.Context) {
	if r.writer == nil {
		return
	}

	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loopCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.loopCancel = cancel
	r.loopDone = done

	go func() {
		defer close(done)
		r.writer.run(ctx)
	}()
}

// Close stops the write-behind loop and performs a final flush.
func (r *Registry) Close(ctx context.Context) error {
	r.loopMu.Lock()
	cancel, done := r.loopCancel, r.loopDone
	r.loopCancel, r.loopDone = nil, nil
	r.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return r.Flush(ctx)
}

func (r *Registry) persist(rec ServerRecord) {
	if r.writer != nil {
		r.writer.enqueueSave(toStoreRecord(rec))
	}
}

func notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}

func duplicateName(rec ServerRecord) error {
	scope := "shared scope"
	if rec.TenantID != "" {
		scope = fmt.Sprintf("tenant %q", rec.TenantID)
	}
	return &gwerrors.ValidationError{
		Field:      "name",
		Message:    fmt.Sprintf("server %q already registered in %s", rec.Name, scope),
		Suggestion: "use update to change an existing server",
	}
}

// normalize validates rec in place and fills in the transport from the
// endpoint scheme when it is not set.
func normalize(rec *ServerRecord) error {
	rec.Name = strings.TrimSpace(rec.Name)
	if rec.Name == "" {
		return &gwerrors.ValidationError{Field: "name", Message: "must not be empty"}
	}

	u, err := url.Parse(rec.Endpoint)
	if err != nil || u.Host == "" {
		return &gwerrors.ValidationError{
			Field:      "endpoint",
			Message:    fmt.Sprintf("malformed endpoint URL %q", rec.Endpoint),
			Suggestion: "use an absolute URL such as https://host:port/mcp",
		}
	}

	var schemeTransport Transport
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		schemeTransport = TransportHTTP
	case "ws", "wss":
		schemeTransport = TransportWebSocket
	default:
		return &gwerrors.ValidationError{
			Field:   "endpoint",
			Message: fmt.Sprintf("unsupported scheme %q (must be http, https, ws or wss)", u.Scheme),
		}
	}

	switch rec.Transport {
	case "":
		rec.Transport = schemeTransport
	case TransportHTTP, TransportWebSocket:
		if rec.Transport != schemeTransport {
			return &gwerrors.ValidationError{
				Field:   "transport",
				Message: fmt.Sprintf("transport %q does not match endpoint scheme %q", rec.Transport, u.Scheme),
			}
		}
	default:
		return &gwerrors.ValidationError{
			Field:   "transport",
			Message: fmt.Sprintf("unknown transport %q (must be http or websocket)", rec.Transport),
		}
	}

	if rec.Weight < 0 {
		return &gwerrors.ValidationError{Field: "weight", Message: "must be >= 0"}
	}
	return nil
}
