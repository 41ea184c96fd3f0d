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

package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SecurityMetrics records the decisions of the request security pipeline.
// It satisfies the recorder interfaces of the rate limiter and the file
// scanner, so one instance is shared across the service.
type SecurityMetrics struct {
	httpDuration     metric.Float64Histogram
	httpRequests     metric.Int64Counter
	databaseDuration metric.Float64Histogram

	rateLimitDecisions metric.Int64Counter
	scans              metric.Int64Counter
	scanDuration       metric.Float64Histogram
	scanCacheHits      metric.Int64Counter
	providerFallbacks  metric.Int64Counter
	csrfRejections     metric.Int64Counter
	corsRejections     metric.Int64Counter
	threatDetections   metric.Int64Counter
	blockedRequests    metric.Int64Counter
	adminDecisions     metric.Int64Counter
}

// NewSecurityMetrics creates the instruments on the global meter named meterName.
//
// Example:
//
//	metrics, err := telemetry.NewSecurityMetrics("loomguard")
//	if err != nil {
//		log.Fatal(err)
//	}
//	limiter := ratelimit.NewLimiter(store, ratelimit.WithRecorder(metrics))
func NewSecurityMetrics(meterName string) (*SecurityMetrics, error) {
	meter := otel.Meter(meterName)
	m := &SecurityMetrics{}

	histograms := []struct {
		dst        *metric.Float64Histogram
		name, desc string
	}{
		{&m.httpDuration, "http_request_duration", "Duration of HTTP requests"},
		{&m.databaseDuration, "database_operation_duration", "Duration of database operations"},
		{&m.scanDuration, "file_scan_duration", "Duration of file scans by provider"},
	}
	for _, h := range histograms {
		inst, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = inst
	}

	counters := []struct {
		dst        *metric.Int64Counter
		name, desc string
	}{
		{&m.httpRequests, "http_requests_total", "Total number of HTTP requests"},
		{&m.rateLimitDecisions, "rate_limit_decisions_total", "Rate limiter decisions by policy and outcome"},
		{&m.scans, "file_scans_total", "Completed file scans by provider and verdict"},
		{&m.scanCacheHits, "file_scan_cache_hits_total", "File scans answered from the verdict cache"},
		{&m.providerFallbacks, "file_scan_provider_fallbacks_total", "Scan provider failures that fell through to the next provider"},
		{&m.csrfRejections, "csrf_rejections_total", "Requests rejected by CSRF validation"},
		{&m.corsRejections, "cors_rejections_total", "Preflight requests from disallowed origins"},
		{&m.threatDetections, "input_threats_total", "Input threat findings by category and severity"},
		{&m.blockedRequests, "blocked_requests_total", "Requests refused by IP reputation or honeypot paths"},
		{&m.adminDecisions, "admin_access_decisions_total", "Admin access gate decisions"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	return m, nil
}

// RecordHTTPRequest records one served request.
func (m *SecurityMetrics) RecordHTTPRequest(ctx context.Context, duration time.Duration, method, route string, status int) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_code", strconv.Itoa(status)),
	)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}

// RecordDatabaseOperation records a repository call.
func (m *SecurityMetrics) RecordDatabaseOperation(ctx context.Context, duration time.Duration, operation, table string, success bool) {
	m.databaseDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("table", table),
		attribute.Bool("success", success),
	))
}

// RecordRateLimitDecision implements ratelimit.Recorder.
func (m *SecurityMetrics) RecordRateLimitDecision(ctx context.Context, policy string, allowed, degraded bool) {
	m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.Bool("allowed", allowed),
		attribute.Bool("degraded", degraded),
	))
}

// RecordScan implements filescan.Recorder.
func (m *SecurityMetrics) RecordScan(ctx context.Context, provider string, safe bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("safe", safe),
	)
	m.scans.Add(ctx, 1, attrs)
	m.scanDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordScanCacheHit implements filescan.Recorder.
func (m *SecurityMetrics) RecordScanCacheHit(ctx context.Context) {
	m.scanCacheHits.Add(ctx, 1)
}

// RecordProviderFallback implements filescan.Recorder.
func (m *SecurityMetrics) RecordProviderFallback(ctx context.Context, provider string) {
	m.providerFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordCSRFRejection counts a CSRF failure; reason is "missing" or "mismatch".
func (m *SecurityMetrics) RecordCSRFRejection(ctx context.Context, reason string) {
	m.csrfRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCORSRejection counts a refused preflight.
func (m *SecurityMetrics) RecordCORSRejection(ctx context.Context) {
	m.corsRejections.Add(ctx, 1)
}

// RecordThreat counts one input finding.
func (m *SecurityMetrics) RecordThreat(ctx context.Context, category, severity string) {
	m.threatDetections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("severity", severity),
	))
}

// RecordBlockedRequest counts a request refused before routing; reason is
// "ip_blocked" or "honeypot".
func (m *SecurityMetrics) RecordBlockedRequest(ctx context.Context, reason string) {
	m.blockedRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAdminDecision counts an admin gate outcome. code is empty when allowed.
func (m *SecurityMetrics) RecordAdminDecision(ctx context.Context, allowed bool, code string) {
	m.adminDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("code", code),
	))
}
