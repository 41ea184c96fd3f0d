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

// Package audit defines security audit events and the sinks that record them.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RiskLevel grades an audited access attempt.
type RiskLevel string

// Risk levels, in increasing order.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// Max returns the higher of two risk levels.
func Max(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// Event is one audited access attempt. Events are append-only.
type Event struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actorId,omitempty"`
	ActorEmail string         `json:"actorEmail,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RiskLevel  RiskLevel      `json:"riskLevel"`
	Allowed    bool           `json:"allowed"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Normalize fills the ID, timestamp and risk level when they are unset.
func (e *Event) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.RiskLevel == "" {
		e.RiskLevel = RiskLow
	}
}

// Sink records audit events.
type Sink interface {
	LogAuditEvent(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

// LogAuditEvent calls f.
func (f SinkFunc) LogAuditEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// LogAuditEvent implements Sink.
func (s *LogSink) LogAuditEvent(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if !event.Allowed || event.RiskLevel == RiskHigh || event.RiskLevel == RiskCritical {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "audit event",
		"audit_id", event.ID,
		"actor_id", event.ActorID,
		"actor_email", event.ActorEmail,
		"action", event.Action,
		"resource", event.Resource,
		"risk_level", string(event.RiskLevel),
		"allowed", event.Allowed,
		"metadata", event.Metadata,
	)
	return nil
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []Sink

// LogAuditEvent implements Sink.
func (f Fanout) LogAuditEvent(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f {
		if err := s.LogAuditEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
