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

// Package auditlog persists audit events to the audit_events table.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/pkg/audit"
	"github.com/plindsay/loomguard/pkg/telemetry"
)

// Query narrows Recent.
type Query struct {
	ActorID    string
	Since      time.Time
	DeniedOnly bool
	Limit      int
}

// Store is an append-only audit.Sink backed by SQL.
type Store struct {
	db      *sql.DB
	logger  *log.Logger
	tracing *telemetry.TracingHelper
	now     func() time.Time
}

// NewStore creates a Store.
func NewStore(logger *log.Logger, db *sql.DB) *Store {
	return &Store{
		db:      db,
		logger:  logger,
		tracing: telemetry.NewTracingHelper("loomguard/auditlog"),
		now:     time.Now,
	}
}

// LogAuditEvent implements audit.Sink.
func (s *Store) LogAuditEvent(ctx context.Context, event audit.Event) error {
	event.Normalize(s.now())

	ctx, span := s.tracing.StartDatabaseSpan(ctx, "insert", "audit_events", "sqlite")
	defer span.End()
	telemetry.SetSpanAttributes(span,
		attribute.String("audit.action", event.Action),
		attribute.String("audit.risk_level", string(event.RiskLevel)),
	)

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		telemetry.RecordError(span, err, "failed to encode metadata")
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	op := s.logger.StartDatabaseOperation(ctx, "insert", "audit_events", "audit_id", event.ID)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor_id, actor_email, action, resource, metadata, risk_level, allowed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ActorID, event.ActorEmail, event.Action, event.Resource, string(metadata),
		string(event.RiskLevel), event.Allowed, event.Timestamp.UnixMilli())
	if err != nil {
		op.Fail(ctx, err)
		telemetry.RecordError(span, err, "audit insert failed")
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	op.Complete(ctx, 1)
	return nil
}

// Recent returns matching events, newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]audit.Event, error) {
	query := `SELECT id, actor_id, actor_email, action, resource, metadata, risk_level, allowed, created_at
		FROM audit_events WHERE created_at >= ?`
	args := []any{q.Since.UnixMilli()}
	if q.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, q.ActorID)
	}
	if q.DeniedOnly {
		query += " AND allowed = 0"
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			metadata string
			risk     string
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorEmail, &e.Action, &e.Resource, &metadata, &risk, &e.Allowed, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		e.RiskLevel = audit.RiskLevel(risk)
		e.Timestamp = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
