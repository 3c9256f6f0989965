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
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// Metrics holds the otel instruments of the vertex access layer.
//
// All instruments use the "vertex_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// AccessOpsTotal counts access operations by op and outcome.
	AccessOpsTotal metric.Int64Counter

	// AccessOpDuration records access operation latency in seconds.
	AccessOpDuration metric.Float64Histogram

	// BatchRetriesTotal counts batch acquisition retries by reason.
	BatchRetriesTotal metric.Int64Counter

	// ReadonlyTransitionsTotal counts readonly state changes by direction.
	ReadonlyTransitionsTotal metric.Int64Counter

	// QueryCacheTotal counts query executions by cache result (hit, miss).
	QueryCacheTotal metric.Int64Counter

	// HTTPRequestsTotal counts HTTP requests by route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request latency in seconds.
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics registers every instrument with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AccessOpsTotal, err = meter.Int64Counter(
		"vertex_access_ops_total",
		metric.WithDescription("Vertex access operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create access_ops_total: %w", err)
	}

	m.AccessOpDuration, err = meter.Float64Histogram(
		"vertex_access_op_duration_seconds",
		metric.WithDescription("Vertex access operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.05, 0.25, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create access_op_duration: %w", err)
	}

	m.BatchRetriesTotal, err = meter.Int64Counter(
		"vertex_batch_retries_total",
		metric.WithDescription("Batch acquisition retries after a transient failure"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_retries_total: %w", err)
	}

	m.ReadonlyTransitionsTotal, err = meter.Int64Counter(
		"vertex_readonly_transitions_total",
		metric.WithDescription("Graph readonly state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create readonly_transitions_total: %w", err)
	}

	m.QueryCacheTotal, err = meter.Int64Counter(
		"vertex_query_cache_total",
		metric.WithDescription("Query executions by cache result"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create query_cache_total: %w", err)
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"vertex_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"vertex_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns metrics bound to the global meter provider. If the
// instruments cannot be created a no-op set is returned.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter("aleutian.vertex"))
		if err != nil {
			m, _ = NewMetrics(noop.NewMeterProvider().Meter("aleutian.vertex"))
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordAccess records the outcome and latency of one access operation.
func (m *Metrics) RecordAccess(ctx context.Context, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = engine.KindOf(err).String()
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	m.AccessOpsTotal.Add(ctx, 1, attrs)
	m.AccessOpDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// RecordBatchRetry counts one retry caused by reason.
func (m *Metrics) RecordBatchRetry(ctx context.Context, reason engine.Reason) {
	if m == nil {
		return
	}
	m.BatchRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason.String())))
}

// RecordReadonlyTransition counts a readonly enter or leave.
func (m *Metrics) RecordReadonlyTransition(ctx context.Context, direction string, forced bool) {
	if m == nil {
		return
	}
	m.ReadonlyTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.Bool("forced", forced),
	))
}

// RecordQueryCache counts a query cache hit or miss.
func (m *Metrics) RecordQueryCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.QueryCacheTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
