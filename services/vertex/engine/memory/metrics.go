// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine lock table metrics.
var (
	engineWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vertex_engine_wait_duration_seconds",
		Help:    "Time spent waiting for contended vertex access",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.25, 1, 5},
	}, []string{"graph", "op"})

	engineContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vertex_engine_contention_total",
		Help: "Acquisitions that failed or waited because of contention",
	}, []string{"graph", "op", "reason"})

	engineVerticesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vertex_engine_vertices_expired_total",
		Help: "Vertices removed by the TTL processor",
	}, []string{"graph"})

	engineVertices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vertex_engine_vertices",
		Help: "Vertices currently stored",
	}, []string{"graph"})
)
