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

// Package memory provides an in-memory registry repository.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/mcpgateway/internal/store"
)

var _ store.Repository = (*Repository)(nil)

// Repository is an in-memory store.Repository. Contents are lost on exit.
type Repository struct {
	mu      sync.RWMutex
	records map[string]store.Record
}

// New creates an empty in-memory repository.
func New() *Repository {
	return &Repository{records: make(map[string]store.Record)}
}

// LoadAll returns all records ordered by ID.
func (r *Repository) LoadAll(ctx context.Context) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]store.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save stores a copy of rec.
func (r *Repository) Save(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Delete removes the record with the given ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

// Len returns the number of stored records.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }

func cloneRecord(rec store.Record) store.Record {
	rec.Tools = append([]string(nil), rec.Tools...)
	rec.Resources = append([]string(nil), rec.Resources...)
	rec.Tags = append([]string(nil), rec.Tags...)
	return rec
}
