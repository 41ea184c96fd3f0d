// Copyright 2025 Phillip Lindsay
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

// Package database provides database connectivity and schema management.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite" // SQLite driver
)

// New opens the SQLite database at dsn and applies the schema.
//
// The pool is limited to a single connection: SQLite serialises writers anyway
// and an in-memory database only exists on the connection that created it.
func New(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return db, nil
}

// migrateSchema creates the necessary tables if they don't exist.
// Timestamps are stored as unix milliseconds.
func migrateSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			full_name TEXT NOT NULL,
			role TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'free',
			is_active BOOLEAN NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scan_cache (
			content_hash TEXT PRIMARY KEY,
			is_safe BOOLEAN NOT NULL,
			threat_name TEXT,
			details TEXT,
			scan_provider TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scan_cache_expires_at ON scan_cache(expires_at);

		CREATE TABLE IF NOT EXISTS scan_log (
			id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			filename TEXT NOT NULL,
			size INTEGER NOT NULL,
			mime_type TEXT NOT NULL,
			provider TEXT NOT NULL,
			is_safe BOOLEAN NOT NULL,
			threat_name TEXT,
			duration_ms INTEGER NOT NULL,
			quarantined BOOLEAN NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scan_log_content_hash ON scan_log(content_hash);

		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL,
			actor_email TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			metadata TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			allowed BOOLEAN NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor_id, created_at);
	`)
	return err
}
