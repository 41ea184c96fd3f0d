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

package telemetry_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plindsay/loomguard/pkg/telemetry"
)

func TestNewTracerProvider(t *testing.T) {
	tests := []struct {
		name     string
		id       telemetry.Identity
		endpoint string
	}{
		{name: "valid configuration", id: telemetry.Identity{ServiceName: "test-service", ServiceVersion: "1.2.3"}, endpoint: "localhost:4317"},
		{name: "empty service name", id: telemetry.Identity{}, endpoint: "localhost:4317"},
		{name: "empty endpoint", id: telemetry.Identity{ServiceName: "test-service"}, endpoint: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, err := telemetry.NewTracerProvider(tt.id, tt.endpoint)
			require.NoError(t, err)
			require.NotNil(t, tp)
			assert.NotNil(t, tp.Tracer("test"))
			assert.NoError(t, tp.Shutdown(context.Background()))
		})
	}
}

func TestNewMeterProvider(t *testing.T) {
	mp, err := telemetry.NewMeterProvider(telemetry.Identity{ServiceName: "test-service"}, "localhost:4317")
	require.NoError(t, err)
	require.NotNil(t, mp)
	assert.NotNil(t, mp.Meter("test"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = mp.Shutdown(ctx)
}

func TestPrometheusMeterProviderExportsSecurityMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp, err := telemetry.NewPrometheusMeterProvider(telemetry.Identity{ServiceName: "test-service"}, reg)
	require.NoError(t, err)
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := telemetry.NewSecurityMetrics("test-service")
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordRateLimitDecision(ctx, "auth", false, false)
	metrics.RecordScan(ctx, "clamav", true, 120*time.Millisecond)
	metrics.RecordCSRFRejection(ctx, "mismatch")

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "rate_limit_decisions_total")
	assert.Contains(t, joined, "file_scans_total")
	assert.Contains(t, joined, "csrf_rejections_total")
}

func TestSecurityMetricsConcurrentUse(t *testing.T) {
	metrics, err := telemetry.NewSecurityMetrics("test-service")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx := context.Background()
			metrics.RecordHTTPRequest(ctx, 10*time.Millisecond, http.MethodPost, "/api/files/upload", http.StatusCreated)
			metrics.RecordDatabaseOperation(ctx, time.Millisecond, "insert", "scan_log", id%2 == 0)
			metrics.RecordScanCacheHit(ctx)
			metrics.RecordProviderFallback(ctx, "virustotal")
			metrics.RecordCORSRejection(ctx)
			metrics.RecordThreat(ctx, "xss", "high")
			metrics.RecordBlockedRequest(ctx, "honeypot")
			metrics.RecordAdminDecision(ctx, false, "CONFIRMATION_REQUIRED")
		}(i)
	}
	wg.Wait()
}

func TestTracingHelperSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	helper := telemetry.NewTracingHelper("test-service")
	ctx := context.Background()

	ctx, server := helper.StartHTTPServerSpan(ctx, http.MethodGet, "/api/files/scan")
	assert.NotEmpty(t, telemetry.TraceIDFromContext(ctx))

	_, client := helper.StartHTTPClientSpan(ctx, http.MethodGet, "https://www.virustotal.com/api/v3/files/abc")
	telemetry.RecordHTTPStatus(client, http.StatusNotFound, "Not Found")
	client.End()

	_, db := helper.StartDatabaseSpan(ctx, "SELECT", "scan_cache", "sqlite")
	telemetry.RecordError(db, errors.New("database is locked"), "lookup failed")
	telemetry.RecordError(db, nil, "ignored")
	db.End()

	telemetry.SetSpanAttributes(server, attribute.Bool("file.safe", true))
	telemetry.AddSpanEvent(server, "cache_hit")
	telemetry.RecordHTTPStatus(server, http.StatusOK, "OK")
	server.End()

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "GET https://www.virustotal.com/api/v3/files/abc", spans[0].Name())
	assert.Equal(t, "SELECT scan_cache", spans[1].Name())
	assert.Len(t, spans[1].Events(), 1, "recorded error event")
	assert.Equal(t, "GET /api/files/scan", spans[2].Name())
	assert.Equal(t, spans[0].Parent().SpanID(), spans[2].SpanContext().SpanID())
}

func TestTraceIDFromContextWithoutSpan(t *testing.T) {
	assert.Empty(t, telemetry.TraceIDFromContext(context.Background()))
}
