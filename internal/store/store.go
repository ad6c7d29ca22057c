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

// Package store defines the persistence boundary for the server registry.
//
// The registry keeps its authoritative state in memory and flushes changes
// through a Repository asynchronously. Implementations only need to be
// durable, not fast: they are never on the request path.
package store

import (
	"context"
	"time"
)

// Record is the persisted form of a registered backend server.
type Record struct {
	ID        string
	Name      string
	Endpoint  string
	Transport string
	Tools     []string
	Resources []string
	Tags      []string
	TenantID  string
	Version   string
	Weight    float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository persists registry records.
type Repository interface {
	// LoadAll returns every stored record.
	LoadAll(ctx context.Context) ([]Record, error)

	// Save inserts or replaces the record with the same ID.
	Save(ctx context.Context, rec Record) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases resources held by the repository.
	Close() error
}
