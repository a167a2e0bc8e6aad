// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing for the reflow engine.
//
// Reruns, deliveries and WebSocket connections are traced with spans
// named "<component>.<operation>". Spans export through OTLP/gRPC or
// stdout; OTel metrics, when enabled, are bridged into the same
// Prometheus registry that serves /metrics.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, cfg, prometheus.DefaultRegisterer)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Thread Safety
//
// Init must be called once at startup. Everything else is safe for
// concurrent use.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for unrecognized exporter names.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name" toml:"service_name"`

	// ServiceVersion is reported as service.version.
	ServiceVersion string `yaml:"-" toml:"-"`

	// Environment is reported as deployment.environment.
	Environment string `yaml:"environment" toml:"environment"`

	// TraceExporter selects "none", "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter" toml:"trace_exporter" validate:"oneof=none stdout otlp"`

	// MetricExporter selects "none", "stdout" or "prometheus".
	MetricExporter string `yaml:"metric_exporter" toml:"metric_exporter" validate:"oneof=none stdout prometheus"`

	// OTLPEndpoint is the OTLP/gRPC receiver for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`

	// OTLPInsecure disables TLS to the OTLP receiver.
	OTLPInsecure bool `yaml:"otlp_insecure" toml:"otlp_insecure"`
}

// DefaultConfig returns development defaults. Tracing is off unless
// OTEL_TRACES_EXPORTER says otherwise.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "reflow",
		ServiceVersion: "dev",
		Environment:    envOr("REFLOW_ENV", "development"),
		TraceExporter:  envOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: envOr("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

func (c Config) tracing() bool { return c.TraceExporter != "" && c.TraceExporter != ExporterNone }
func (c Config) metering() bool { return c.MetricExporter != "" && c.MetricExporter != ExporterNone }

// providers collects what Init started so a partial failure can undo it.
type providers []func(context.Context) error

func (p providers) shutdown(ctx context.Context) error {
	errs := make([]error, 0, len(p))
	for i := len(p) - 1; i >= 0; i-- {
		errs = append(errs, p[i](ctx))
	}
	return errors.Join(errs...)
}

// Init installs the global TracerProvider, MeterProvider and propagator.
//
// # Inputs
//
//   - ctx: Used to connect exporters.
//   - cfg: Exporter selection.
//   - reg: Registry the Prometheus bridge registers with. Ignored unless
//     MetricExporter is "prometheus".
//
// # Outputs
//
//   - shutdown: Flushes and stops providers in reverse start order. Must
//     be called on exit.
//   - error: ErrNilContext, ErrUnknownExporter, or an exporter failure.
func Init(ctx context.Context, cfg Config, reg prometheus.Registerer) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var started providers
	if cfg.tracing() {
		spans, err := newSpanExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		tp := trace.NewTracerProvider(
			trace.WithBatcher(spans),
			trace.WithResource(res),
			trace.WithSampler(trace.ParentBased(trace.AlwaysSample())),
		)
		otel.SetTracerProvider(tp)
		started = append(started, tp.Shutdown)
	}

	if cfg.metering() {
		reader, err := newMetricReader(cfg, reg)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("init meter: %w", err), started.shutdown(ctx))
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		otel.SetMeterProvider(mp)
		started = append(started, mp.Shutdown)
	}

	return started.shutdown, nil
}

// newSpanExporter builds the trace exporter named by cfg.TraceExporter.
func newSpanExporter(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
}

// newMetricReader builds the reader named by cfg.MetricExporter. The
// Prometheus reader is pull based and registers on reg.
func newMetricReader(cfg Config, reg prometheus.Registerer) (metric.Reader, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		return metric.NewPeriodicReader(exp), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
