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

// Package registry holds the catalog of backend MCP servers.
//
// The in-memory catalog is authoritative for routing. Mutations are applied
// under a single writer lock, become visible to the next List or Get, and are
// flushed to a store.Repository asynchronously.
package registry

import (
	"slices"
	"time"

	"github.com/tombee/mcpgateway/internal/store"
)

// Transport is the wire transport used to reach a backend server.
type Transport string

const (
	// TransportHTTP posts JSON-RPC payloads over HTTP(S).
	TransportHTTP Transport = "http"
	// TransportWebSocket exchanges JSON-RPC frames over a WebSocket.
	TransportWebSocket Transport = "websocket"
)

// ServerRecord describes a registered backend server.
type ServerRecord struct {
	// ID is assigned at registration and never changes.
	ID string `json:"id"`

	// Name is unique within a tenant scope.
	Name string `json:"name"`

	Endpoint  string    `json:"endpoint"`
	Transport Transport `json:"transport"`

	// Tools are the tool names the server exposes.
	Tools []string `json:"tools,omitempty"`

	// Resources are URI patterns the server serves: exact URIs, prefixes
	// ending in "/" or "*", or RFC 6570 templates such as "file:///{path}".
	Resources []string `json:"resources,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// TenantID scopes the server to one tenant. Empty means shared.
	TenantID string `json:"tenant_id,omitempty"`

	Version string `json:"version,omitempty"`

	// Weight is a static weight for weighted routing. Zero means derive
	// the weight from observed latency.
	Weight float64 `json:"weight,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r ServerRecord) Clone() ServerRecord {
	r.Tools = slices.Clone(r.Tools)
	r.Resources = slices.Clone(r.Resources)
	r.Tags = slices.Clone(r.Tags)
	return r
}

// Shared reports whether the server is visible to every tenant.
func (r ServerRecord) Shared() bool { return r.TenantID == "" }

// VisibleTo reports whether tenantID may route to the server.
func (r ServerRecord) VisibleTo(tenantID string) bool {
	return r.TenantID == "" || r.TenantID == tenantID
}

// Filter selects records in List. Zero fields do not constrain the result.
type Filter struct {
	// TenantID restricts the result to shared servers and servers owned by
	// this tenant. Empty restricts the result to shared servers unless
	// AllTenants is set.
	TenantID string

	// AllTenants disables tenant filtering (administrative listing).
	AllTenants bool

	// Tags must all be present on a record.
	Tags []string

	// RequiredTools must all be exposed by a record.
	RequiredTools []string

	// RequiredResources must each be matched by one of the record's patterns.
	RequiredResources []string
}

func toStoreRecord(r ServerRecord) store.Record {
	return store.Record{
		ID:        r.ID,
		Name:      r.Name,
		Endpoint:  r.Endpoint,
		Transport: string(r.Transport),
		Tools:     slices.Clone(r.Tools),
		Resources: slices.Clone(r.Resources),
		Tags:      slices.Clone(r.Tags),
		TenantID:  r.TenantID,
		Version:   r.Version,
		Weight:    r.Weight,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func fromStoreRecord(r store.Record) ServerRecord {
	return ServerRecord{
		ID:        r.ID,
		Name:      r.Name,
		Endpoint:  r.Endpoint,
		Transport: Transport(r.Transport),
		Tools:     slices.Clone(r.Tools),
		Resources: slices.Clone(r.Resources),
		Tags:      slices.Clone(r.Tags),
		TenantID:  r.TenantID,
		Version:   r.Version,
		Weight:    r.Weight,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// ChangeType identifies a catalog mutation.
type ChangeType string

const (
	// ChangeRegistered is emitted after a new server is added.
	ChangeRegistered ChangeType = "registered"
	// ChangeUpdated is emitted after a server record is replaced.
	ChangeUpdated ChangeType = "updated"
	// ChangeDeregistered is emitted after a server is removed.
	ChangeDeregistered ChangeType = "deregistered"
)

// Change describes a catalog mutation delivered to Options.OnChange.
type Change struct {
	Type   ChangeType
	Record ServerRecord
}
