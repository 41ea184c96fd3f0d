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

// Package telemetry provides the OpenTelemetry setup shared by the service:
// tracer and meter providers, a span helper and the security metrics the
// request pipeline records.
//
// Traces are exported over OTLP/gRPC. Metrics go either to an OTLP collector
// or to a Prometheus registry scraped from /metrics.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	*sdktrace.TracerProvider
}

// MeterProvider wraps the OpenTelemetry meter provider.
type MeterProvider struct {
	*sdkmetric.MeterProvider
}

// Identity names the service in exported telemetry.
type Identity struct {
	ServiceName    string
	ServiceVersion string
}

func (id Identity) resource(ctx context.Context) (*resource.Resource, error) {
	version := id.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(id.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// NewTracerProvider creates a tracer provider exporting to the OTLP collector
// at endpoint (e.g. "localhost:4317") and installs it globally together with
// the W3C trace context and baggage propagators.
//
// Example:
//
//	tp, err := telemetry.NewTracerProvider(telemetry.Identity{ServiceName: "loomguard"}, "localhost:4317")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer tp.Shutdown(context.Background())
func NewTracerProvider(id Identity, endpoint string) (*TracerProvider, error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := id.resource(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{TracerProvider: tp}, nil
}

// NewMeterProvider creates a meter provider pushing to the OTLP collector at
// endpoint every 10 seconds, with exponential histogram aggregation, and
// installs it globally.
func NewMeterProvider(id Identity, endpoint string) (*MeterProvider, error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	res, err := id.resource(ctx)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationBase2ExponentialHistogram{
				MaxSize:  160,
				MaxScale: 20,
			}},
		)),
	)

	otel.SetMeterProvider(mp)

	return &MeterProvider{MeterProvider: mp}, nil
}

// NewPrometheusMeterProvider creates a meter provider whose instruments are
// collected into reg, and installs it globally. Serve reg with promhttp.
func NewPrometheusMeterProvider(id Identity, reg prometheus.Registerer) (*MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := id.resource(context.Background())
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &MeterProvider{MeterProvider: mp}, nil
}

// Tracer returns a tracer for the given name and options.
func (tp *TracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return tp.TracerProvider.Tracer(name, options...)
}

// Meter returns a meter for the given name and options.
func (mp *MeterProvider) Meter(name string, options ...metric.MeterOption) metric.Meter {
	return mp.MeterProvider.Meter(name, options...)
}
