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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingHelper starts spans with consistent names and attributes.
type TracingHelper struct {
	tracer trace.Tracer
}

// NewTracingHelper creates a tracing helper using the named global tracer.
//
// Example:
//
//	helper := telemetry.NewTracingHelper("loomguard/filescan")
//	ctx, span := helper.StartSpan(ctx, "filescan.Scan")
//	defer span.End()
func NewTracingHelper(name string) *TracingHelper {
	return &TracingHelper{tracer: otel.Tracer(name)}
}

// StartSpan starts a span. The caller ends it.
func (t *TracingHelper) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartHTTPServerSpan starts a server span named "METHOD route".
func (t *TracingHelper) StartHTTPServerSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("%s %s", method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// StartHTTPClientSpan starts a client span for an outbound call to a scan provider.
func (t *TracingHelper) StartHTTPClientSpan(ctx context.Context, method, url string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("%s %s", method, url),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", url),
		),
	)
}

// StartDatabaseSpan starts a client span named "operation table".
func (t *TracingHelper) StartDatabaseSpan(ctx context.Context, operation, table, system string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// RecordError marks the span failed. A nil err is ignored.
func RecordError(span trace.Span, err error, description string) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, description)
	span.SetAttributes(
		attribute.String("error.type", fmt.Sprintf("%T", err)),
		attribute.String("error.message", err.Error()),
	)
}

// SetSpanAttributes sets attributes on span.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// AddSpanEvent adds a named event to span.
func AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// TraceIDFromContext returns the active trace ID, or "" when there is none.
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// RecordHTTPStatus records the response status, marking 4xx and 5xx as errors.
func RecordHTTPStatus(span trace.Span, statusCode int, statusText string) {
	span.SetAttributes(
		attribute.Int("http.status_code", statusCode),
		attribute.String("http.status_text", statusText),
	)

	if statusCode >= 400 {
		span.SetStatus(codes.Error, statusText)
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
