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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "stdout")

	cfg := DefaultConfig()
	assert.Equal(t, "aleutian-vertex", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "stdout", cfg.MetricExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}

func TestInit(t *testing.T) {
	t.Run("nil context", func(t *testing.T) {
		//nolint:staticcheck // exercising the nil guard
		_, err := Init(nil, DefaultConfig())
		assert.ErrorIs(t, err, ErrNilContext)
	})

	t.Run("all exporters disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TraceExporter = "none"
		cfg.MetricExporter = "none"
		shutdown, err := Init(context.Background(), cfg)
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
		assert.Nil(t, MetricsHandler())
	})

	t.Run("unknown trace exporter", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TraceExporter = "carrier-pigeon"
		_, err := Init(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrUnknownExporter)
	})

	t.Run("unknown metric exporter", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TraceExporter = "none"
		cfg.MetricExporter = "statsd"
		_, err := Init(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrUnknownExporter)
	})

	t.Run("metric failure leaves tracer uninstalled", func(t *testing.T) {
		before := otel.GetTracerProvider()
		cfg := DefaultConfig()
		cfg.TraceExporter = "stdout"
		cfg.MetricExporter = "statsd"
		shutdown, err := Init(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrUnknownExporter)
		assert.Nil(t, shutdown)
		assert.Same(t, before, otel.GetTracerProvider())
	})
}

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, engine.NewAccessError("open", "v1", engine.ReasonTimeout, ""))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)

	found := false
	for _, kv := range spans[0].Events()[0].Attributes {
		if string(kv.Key) == "vertex.reason" {
			found = true
			assert.Equal(t, "timeout", kv.Value.AsString())
		}
	}
	assert.True(t, found, "reason attribute recorded")

	RecordError(nil, errors.New("ignored"))
	SetSpanOK(nil)
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordAccess(ctx, "open", time.Now(), nil)
	m.RecordAccess(ctx, "open", time.Now(), engine.NewAccessError("open", "v", engine.ReasonNoExist, ""))
	m.RecordBatchRetry(ctx, engine.ReasonOpFail)
	m.RecordReadonlyTransition(ctx, "enter", true)
	m.RecordQueryCache(ctx, true)

	var nilMetrics *Metrics
	nilMetrics.RecordAccess(ctx, "open", time.Now(), nil)

	assert.NotNil(t, Default())
	assert.Same(t, Default(), Default())
}
