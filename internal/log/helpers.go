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

package log

import (
	"context"
	"time"
)

// stopwatch carries the attributes shared by the start and end records of a
// timed unit of work.
type stopwatch struct {
	logger *Logger
	start  time.Time
	attrs  []any
}

func (l *Logger) startStopwatch(attrs []any, extra []any) stopwatch {
	return stopwatch{logger: l, start: time.Now(), attrs: append(attrs, extra...)}
}

// finish returns the shared attributes, the elapsed time and any extra fields.
func (s stopwatch) finish(head []any, extra []any) []any {
	out := append(head, s.attrs...)
	out = append(out, "duration_ms", time.Since(s.start).Milliseconds())
	return append(out, extra...)
}

// OperationLogger times a named background operation such as a sweep job.
type OperationLogger struct {
	stopwatch
}

// StartOperation logs the start of operation and returns a logger for its outcome.
func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...any) *OperationLogger {
	op := &OperationLogger{l.startStopwatch([]any{"operation", operation}, fields)}
	l.Info(ctx, "operation started", op.attrs...)
	return op
}

// Complete logs a successful end of the operation.
func (op *OperationLogger) Complete(ctx context.Context, fields ...any) {
	op.logger.Info(ctx, "operation completed", op.finish([]any{"status", "success"}, fields)...)
}

// Fail logs a failed end of the operation.
func (op *OperationLogger) Fail(ctx context.Context, err error, fields ...any) {
	op.logger.ErrorWithError(ctx, "operation failed", err, op.finish([]any{"status", "failed"}, fields)...)
}

// RequestLogger times a single HTTP request.
type RequestLogger struct {
	stopwatch
}

// StartRequest logs request arrival at debug level.
func (l *Logger) StartRequest(ctx context.Context, method, path string, fields ...any) *RequestLogger {
	req := &RequestLogger{l.startStopwatch([]any{"method", method, "path", path}, fields)}
	l.Debug(ctx, "request started", req.attrs...)
	return req
}

// Complete logs the response. Rejections from the security pipeline land at
// warn, handler failures at error.
func (req *RequestLogger) Complete(ctx context.Context, statusCode int, responseSize int64, fields ...any) {
	attrs := req.finish([]any{"status_code", statusCode, "response_size", responseSize}, fields)
	switch {
	case statusCode >= 500:
		req.logger.Error(ctx, "request completed with server error", attrs...)
	case statusCode >= 400:
		req.logger.Warn(ctx, "request completed with client error", attrs...)
	default:
		req.logger.Info(ctx, "request completed", attrs...)
	}
}

// DatabaseLogger times one statement against a table.
type DatabaseLogger struct {
	stopwatch
}

// StartDatabaseOperation logs the start of a statement at debug level.
func (l *Logger) StartDatabaseOperation(ctx context.Context, operation, table string, fields ...any) *DatabaseLogger {
	db := &DatabaseLogger{l.startStopwatch([]any{"db_operation", operation, "db_table", table}, fields)}
	l.Debug(ctx, "database operation started", db.attrs...)
	return db
}

// Complete logs the number of rows the statement touched.
func (db *DatabaseLogger) Complete(ctx context.Context, rowsAffected int64, fields ...any) {
	db.logger.Debug(ctx, "database operation completed", db.finish([]any{"rows_affected", rowsAffected}, fields)...)
}

// Fail logs a failed statement.
func (db *DatabaseLogger) Fail(ctx context.Context, err error, fields ...any) {
	db.logger.ErrorWithError(ctx, "database operation failed", err, db.finish(nil, fields)...)
}

// SecurityLogger writes records that log pipelines can select on the
// security_event attribute.
type SecurityLogger struct {
	logger *Logger
}

// NewSecurityLogger returns a SecurityLogger writing through l.
func (l *Logger) NewSecurityLogger() *SecurityLogger {
	return &SecurityLogger{logger: l}
}

// TokenGenerated records issuance of a session token.
func (sec *SecurityLogger) TokenGenerated(ctx context.Context, userID, tokenType string, expiresAt time.Time) {
	sec.logger.Info(ctx, "token generated",
		"event_type", "token_generated",
		"user_id", userID,
		"token_type", tokenType,
		"expires_at", expiresAt.UTC().Format(time.RFC3339),
		"security_event", true,
	)
}

// SecurityEvent records a blocked or suspicious action at warn level.
func (sec *SecurityLogger) SecurityEvent(ctx context.Context, eventType, description string, fields ...any) {
	sec.logger.Warn(ctx, "security event", append([]any{
		"event_type", eventType,
		"description", description,
		"security_event", true,
	}, fields...)...)
}
