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

// Package sqlite provides a SQLite registry repository for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/mcpgateway/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Repository = (*Repository)(nil)

// Repository is a SQLite-backed store.Repository.
type Repository struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database, applies pragmas and runs migrations.
func New(cfg Config) (*Repository, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	r := &Repository{db: db}

	if err := r.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return r, nil
}

func (r *Repository) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := r.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (r *Repository) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			transport TEXT NOT NULL,
			tools TEXT,
			resources TEXT,
			tags TEXT,
			tenant_id TEXT NOT NULL DEFAULT '',
			version TEXT,
			weight REAL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_tenant_name ON servers(tenant_id, name)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// LoadAll returns every stored record ordered by ID.
func (r *Repository) LoadAll(ctx context.Context) ([]store.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, endpoint, transport, tools, resources, tags,
		       tenant_id, version, weight, created_at, updated_at
		FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var (
			rec                    store.Record
			tools, resources, tags sql.NullString
			version                sql.NullString
			createdAt, updatedAt   string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Endpoint, &rec.Transport,
			&tools, &resources, &tags, &rec.TenantID, &version, &rec.Weight,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}

		if rec.Tools, err = decodeList(tools); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools for %s: %w", rec.ID, err)
		}
		if rec.Resources, err = decodeList(resources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resources for %s: %w", rec.ID, err)
		}
		if rec.Tags, err = decodeList(tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags for %s: %w", rec.ID, err)
		}
		rec.Version = version.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate servers: %w", err)
	}
	return out, nil
}

// Save inserts or replaces a record.
func (r *Repository) Save(ctx context.Context, rec store.Record) error {
	tools, err := json.Marshal(rec.Tools)
	if err != nil {
		return fmt.Errorf("failed to marshal tools: %w", err)
	}
	resources, err := json.Marshal(rec.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, endpoint, transport, tools, resources, tags,
		                     tenant_id, version, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			endpoint = excluded.endpoint,
			transport = excluded.transport,
			tools = excluded.tools,
			resources = excluded.resources,
			tags = excluded.tags,
			tenant_id = excluded.tenant_id,
			version = excluded.version,
			weight = excluded.weight,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.Endpoint, rec.Transport,
		string(tools), string(resources), string(tags),
		rec.TenantID, rec.Version, rec.Weight,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save server %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a record by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete server %s: %w", id, err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func decodeList(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
