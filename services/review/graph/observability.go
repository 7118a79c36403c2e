// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// graphTracerName is the shared OTel tracer name for graph operations.
const graphTracerName = "review.graph"

// Package-level Prometheus metrics for graph builds.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// buildDuration measures graph build wall-clock time.
	//
	// Labels:
	//   - status: "success" or "cancelled"
	buildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "review",
			Subsystem: "graph",
			Name:      "build_duration_seconds",
			Help:      "Duration of dependency graph builds in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		},
		[]string{"status"},
	)

	// buildNodes counts nodes created across all builds.
	buildNodes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "review",
			Subsystem: "graph",
			Name:      "nodes_created_total",
			Help:      "Total graph nodes created.",
		},
	)

	// buildEdges counts edges created across all builds.
	buildEdges = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "review",
			Subsystem: "graph",
			Name:      "edges_created_total",
			Help:      "Total graph edges created.",
		},
	)
)

// startBuildSpan begins the OTel span for a graph build.
func startBuildSpan(ctx context.Context, fileCount int) (context.Context, trace.Span) {
	return otel.Tracer(graphTracerName).Start(ctx, "graph.build",
		trace.WithAttributes(
			attribute.Int("graph.file_count", fileCount),
		))
}

// setBuildSpanResult annotates the build span with the outcome.
func setBuildSpanResult(span trace.Span, nodes, edges int) {
	span.SetAttributes(
		attribute.Int("graph.nodes_created", nodes),
		attribute.Int("graph.edges_created", edges),
	)
}

// recordBuildMetrics records Prometheus metrics for one build.
func recordBuildMetrics(duration time.Duration, nodes, edges int, ok bool) {
	status := "success"
	if !ok {
		status = "cancelled"
	}
	buildDuration.WithLabelValues(status).Observe(duration.Seconds())
	buildNodes.Add(float64(nodes))
	buildEdges.Add(float64(edges))
}
