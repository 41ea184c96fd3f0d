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

// Package scanrepo persists scan verdicts (scan_cache) and the scan audit
// trail (scan_log). Cache reads go through an in-process LRU first.
package scanrepo

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/pkg/filescan"
	"github.com/plindsay/loomguard/pkg/telemetry"
)

const (
	defaultL1Size = 1024
	defaultL1TTL  = 5 * time.Minute
)

// Recorder receives database timings.
type Recorder interface {
	RecordDatabaseOperation(ctx context.Context, duration time.Duration, operation, table string, success bool)
}

// Option configures a Repository.
type Option func(*Repository)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(repo *Repository) { repo.recorder = r }
}

// WithL1 sizes the in-process cache. A size of zero disables it.
func WithL1(size int, ttl time.Duration) Option {
	return func(repo *Repository) { repo.l1Size, repo.l1TTL = size, ttl }
}

// Repository implements filescan.Cache and filescan.Log.
type Repository struct {
	db       *sql.DB
	logger   *log.Logger
	tracing  *telemetry.TracingHelper
	recorder Recorder
	l1Size   int
	l1TTL    time.Duration
	l1       *expirable.LRU[string, filescan.CacheEntry]
}

// New creates a Repository.
func New(logger *log.Logger, db *sql.DB, opts ...Option) *Repository {
	r := &Repository{
		db:      db,
		logger:  logger,
		tracing: telemetry.NewTracingHelper("loomguard/scanrepo"),
		l1Size:  defaultL1Size,
		l1TTL:   defaultL1TTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.l1Size > 0 {
		r.l1 = expirable.NewLRU[string, filescan.CacheEntry](r.l1Size, nil, r.l1TTL)
	}
	return r
}

// Get implements filescan.Cache. Expired rows are treated as misses.
func (r *Repository) Get(ctx context.Context, contentHash string, now time.Time) (*filescan.CacheEntry, error) {
	if r.l1 != nil {
		if entry, ok := r.l1.Get(contentHash); ok {
			if now.Before(entry.ExpiresAt) {
				return &entry, nil
			}
			r.l1.Remove(contentHash)
		}
	}

	var (
		entry     filescan.CacheEntry
		threat    sql.NullString
		details   sql.NullString
		provider  string
		expiresAt int64
	)
	err := r.observe(ctx, "select", "scan_cache", func(ctx context.Context) error {
		return r.db.QueryRowContext(ctx,
			`SELECT content_hash, is_safe, threat_name, details, scan_provider, expires_at
			 FROM scan_cache WHERE content_hash = ? AND expires_at > ?`,
			contentHash, now.UnixMilli(),
		).Scan(&entry.ContentHash, &entry.Safe, &threat, &details, &provider, &expiresAt)
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scan cache: %w", err)
	}

	entry.ThreatName = threat.String
	entry.Details = details.String
	entry.Provider = filescan.ProviderName(provider)
	entry.ExpiresAt = time.UnixMilli(expiresAt)
	if r.l1 != nil {
		r.l1.Add(contentHash, entry)
	}
	return &entry, nil
}

// Put implements filescan.Cache. A newer verdict replaces an older one.
func (r *Repository) Put(ctx context.Context, entry filescan.CacheEntry) error {
	err := r.observe(ctx, "upsert", "scan_cache", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO scan_cache (content_hash, is_safe, threat_name, details, scan_provider, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(content_hash) DO UPDATE SET
			   is_safe = excluded.is_safe,
			   threat_name = excluded.threat_name,
			   details = excluded.details,
			   scan_provider = excluded.scan_provider,
			   expires_at = excluded.expires_at`,
			entry.ContentHash, entry.Safe, nullable(entry.ThreatName), nullable(entry.Details),
			string(entry.Provider), entry.ExpiresAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write scan cache: %w", err)
	}
	if r.l1 != nil {
		r.l1.Add(entry.ContentHash, entry)
	}
	return nil
}

// Delete drops the cached verdict for contentHash, forcing a rescan.
func (r *Repository) Delete(ctx context.Context, contentHash string) (bool, error) {
	if r.l1 != nil {
		r.l1.Remove(contentHash)
	}
	var affected int64
	err := r.observe(ctx, "delete", "scan_cache", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM scan_cache WHERE content_hash = ?`, contentHash)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete scan cache entry: %w", err)
	}
	return affected > 0, nil
}

// DeleteExpired removes cache rows that expired before now.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := r.observe(ctx, "delete", "scan_cache", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM scan_cache WHERE expires_at <= ?`, now.UnixMilli())
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep scan cache: %w", err)
	}
	return affected, nil
}

// Append implements filescan.Log.
func (r *Repository) Append(ctx context.Context, rec filescan.LogRecord) error {
	err := r.observe(ctx, "insert", "scan_log", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO scan_log (id, content_hash, filename, size, mime_type, provider, is_safe, threat_name, duration_ms, quarantined, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), rec.ContentHash, rec.Filename, rec.Size, rec.MimeType, string(rec.Provider),
			rec.Safe, nullable(rec.ThreatName), rec.DurationMs, rec.Quarantined, rec.Timestamp.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to append scan log: %w", err)
	}
	return nil
}

// History returns the scan log for contentHash, oldest first.
func (r *Repository) History(ctx context.Context, contentHash string) ([]filescan.LogRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT content_hash, filename, size, mime_type, provider, is_safe, threat_name, duration_ms, quarantined, created_at
		 FROM scan_log WHERE content_hash = ? ORDER BY created_at, id`, contentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan log: %w", err)
	}
	defer rows.Close()

	var out []filescan.LogRecord
	for rows.Next() {
		var (
			rec      filescan.LogRecord
			provider string
			threat   sql.NullString
			created  int64
		)
		if err := rows.Scan(&rec.ContentHash, &rec.Filename, &rec.Size, &rec.MimeType, &provider,
			&rec.Safe, &threat, &rec.DurationMs, &rec.Quarantined, &created); err != nil {
			return nil, fmt.Errorf("failed to scan scan log row: %w", err)
		}
		rec.Provider = filescan.ProviderName(provider)
		rec.ThreatName = threat.String
		rec.Timestamp = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// observe wraps a statement in a span, a debug log pair and a timing metric.
func (r *Repository) observe(ctx context.Context, operation, table string, fn func(context.Context) error) error {
	ctx, span := r.tracing.StartDatabaseSpan(ctx, operation, table, "sqlite")
	defer span.End()

	op := r.logger.StartDatabaseOperation(ctx, operation, table)
	start := time.Now()
	err := fn(ctx)
	success := err == nil || stderrors.Is(err, sql.ErrNoRows)
	if success {
		op.Complete(ctx, 0)
	} else {
		op.Fail(ctx, err)
		telemetry.RecordError(span, err, operation+" "+table+" failed")
	}
	if r.recorder != nil {
		r.recorder.RecordDatabaseOperation(ctx, time.Since(start), operation, table, success)
	}
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
