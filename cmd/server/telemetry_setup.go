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

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plindsay/loomguard/internal/config"
	"github.com/plindsay/loomguard/internal/log"
	"github.com/plindsay/loomguard/pkg/telemetry"
)

// telemetryStack holds the providers selected by telemetry.exporter.
type telemetryStack struct {
	tracer  *telemetry.TracerProvider
	meter   *telemetry.MeterProvider
	metrics *telemetry.SecurityMetrics
	// handler serves /metrics for the prometheus exporter.
	handler http.Handler
}

func initTelemetry(cfg *config.Config) (*telemetryStack, error) {
	id := telemetry.Identity{ServiceName: cfg.Telemetry.ServiceName, ServiceVersion: version}
	ts := &telemetryStack{}

	switch cfg.Telemetry.Exporter {
	case "otlp":
		tp, err := telemetry.NewTracerProvider(id, cfg.Telemetry.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		ts.tracer = tp
		mp, err := telemetry.NewMeterProvider(id, cfg.Telemetry.Endpoint)
		if err != nil {
			_ = tp.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		ts.meter = mp
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mp, err := telemetry.NewPrometheusMeterProvider(id, reg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize prometheus exporter: %w", err)
		}
		ts.meter = mp
		ts.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	metrics, err := telemetry.NewSecurityMetrics(cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, err
	}
	ts.metrics = metrics
	return ts, nil
}

func (ts *telemetryStack) shutdown(logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ts.tracer != nil {
		if err := ts.tracer.Shutdown(ctx); err != nil {
			logger.ErrorWithError(ctx, "failed to shut down tracer provider", err)
		}
	}
	if ts.meter != nil {
		if err := ts.meter.Shutdown(ctx); err != nil {
			logger.ErrorWithError(ctx, "failed to shut down meter provider", err)
		}
	}
}
