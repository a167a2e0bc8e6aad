// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	cfg := DefaultConfig()

	if cfg.ServiceName != "reflow" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "reflow")
	}
	if cfg.TraceExporter != ExporterNone {
		t.Errorf("TraceExporter = %q, want %q", cfg.TraceExporter, ExporterNone)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, DefaultConfig(), nil)
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		trace   string
		metric  string
		wantErr error
	}{
		{"all off", ExporterNone, ExporterNone, nil},
		{"stdout traces", ExporterStdout, ExporterNone, nil},
		{"prometheus bridge", ExporterNone, ExporterPrometheus, nil},
		{"stdout metrics", ExporterNone, ExporterStdout, nil},
		{"unknown trace exporter", "zipkin", ExporterNone, ErrUnknownExporter},
		{"unknown metric exporter", ExporterNone, "statsd", ErrUnknownExporter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TraceExporter = tt.trace
			cfg.MetricExporter = tt.metric

			shutdown, err := Init(context.Background(), cfg, prometheus.NewRegistry())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Init() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestStartSpan_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), TracerSession, "session.rerun",
		trace.WithAttributes(AttrSessionID.String("s1")))
	RecordError(span, errors.New("boom"))
	span.End()

	_, ok := StartSpan(context.Background(), TracerSession, "session.deliver")
	SetSpanOK(ok)
	ok.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Name() != "session.rerun" {
		t.Errorf("span name = %q", ended[0].Name())
	}
	if got := ended[0].Status().Description; got != "boom" {
		t.Errorf("status description = %q, want %q", got, "boom")
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("error events = %d, want 1", len(ended[0].Events()))
	}
}

func TestRecordError_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanOK(nil)
	_, span := StartSpan(context.Background(), TracerSession, "noop")
	RecordError(span, nil)
	span.End()
}

func TestLoggerWithTrace(t *testing.T) {
	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	LoggerWithTrace(ctx, logger).Info("traced")

	if !strings.Contains(buf.String(), traceID.String()) {
		t.Errorf("output should contain trace id: %s", buf.String())
	}

	buf.Reset()
	LoggerWithTrace(context.Background(), logger).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("output should not contain trace_id: %s", buf.String())
	}

	if LoggerWithTrace(context.Background(), nil) == nil {
		t.Error("nil logger should fall back to default")
	}
}
