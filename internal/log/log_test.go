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

// Package log_test provides tests for the log package.
package log_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plindsay/loomguard/internal/log"
)

func TestNew(t *testing.T) {
	logger := log.New(nil)
	require.NotNil(t, logger)
}

func TestNewWithConfig(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&log.Config{
		Level:       slog.LevelWarn,
		Format:      "json",
		ServiceName: "loomguard-test",
		Environment: "test",
		Output:      &buf,
	})

	logger.Info(context.Background(), "dropped")
	logger.Warn(context.Background(), "kept", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, `"service":"loomguard-test"`)
	assert.Contains(t, out, `"environment":"test"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, log.ParseLevel(tt.in))
		})
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&log.Config{Output: &buf})
	ctx := log.WithContext(context.Background(), logger)
	retrievedLogger := log.FromContext(ctx)
	require.NotNil(t, retrievedLogger)

	retrievedLogger.Info(ctx, "test message")
	assert.Contains(t, buf.String(), "test message")
}

func TestFromContext_NoLogger(t *testing.T) {
	logger := log.FromContext(context.Background())
	require.NotNil(t, logger)
}
