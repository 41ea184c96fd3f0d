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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	return New(&Config{
		Level:          slog.LevelDebug,
		Format:         "json",
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		Output:         buf,
	})
}

func TestOperationLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ctx := context.Background()

	op := logger.StartOperation(ctx, "ratelimit-sweep", "store", "memory")
	require.NotNil(t, op)
	op.Complete(ctx, "removed", 3)

	output := buf.String()
	assert.Contains(t, output, "operation started")
	assert.Contains(t, output, "operation completed")
	assert.Contains(t, output, "ratelimit-sweep")
	assert.Contains(t, output, "success")
}

func TestOperationLoggerFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ctx := context.Background()

	op := logger.StartOperation(ctx, "scan-cache-purge")
	op.Fail(ctx, errors.New("database is locked"), "error_code", "INTERNAL_ERROR")

	output := buf.String()
	assert.Contains(t, output, "operation failed")
	assert.Contains(t, output, "database is locked")
	assert.Contains(t, output, `"status":"failed"`)
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
	}{
		{"success", 200, "request completed"},
		{"client error", 429, "request completed with client error"},
		{"server error", 502, "request completed with server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newTestLogger(&buf)
			ctx := context.Background()

			req := logger.StartRequest(ctx, "POST", "/api/files/upload", "client_ip", "1.2.3.4")
			req.Complete(ctx, tt.status, 128)

			assert.Contains(t, buf.String(), tt.message)
			assert.Contains(t, buf.String(), "1.2.3.4")
		})
	}
}

func TestDatabaseLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ctx := context.Background()

	db := logger.StartDatabaseOperation(ctx, "insert", "scan_log")
	db.Complete(ctx, 1)
	db.Fail(ctx, errors.New("constraint failed"))

	output := buf.String()
	assert.Contains(t, output, "database operation completed")
	assert.Contains(t, output, "database operation failed")
	assert.Contains(t, output, "scan_log")
}

func TestSecurityLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ctx := context.Background()

	sec := logger.NewSecurityLogger()
	sec.SecurityEvent(ctx, "honeypot_hit", "client requested /wp-admin", "client_ip", "203.0.113.9")
	sec.TokenGenerated(ctx, "user-1", "access", time.Now().Add(time.Hour))

	output := buf.String()
	assert.Contains(t, output, "security event")
	assert.Contains(t, output, "honeypot_hit")
	assert.Contains(t, output, `"security_event":true`)
	assert.Contains(t, output, "token generated")
}
