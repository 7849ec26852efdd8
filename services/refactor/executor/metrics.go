// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for refactoring execution.
var (
	tracer = otel.Tracer("revise.executor")
	meter  = otel.Meter("revise.executor")
)

// Metrics for execution outcomes.
var (
	executeLatency  metric.Float64Histogram
	executeTotal    metric.Int64Counter
	rollbackTotal   metric.Int64Counter
	quarantineTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		executeLatency, err = meter.Float64Histogram(
			"refactor_execute_duration_seconds",
			metric.WithDescription("Duration of refactoring operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		executeTotal, err = meter.Int64Counter(
			"refactor_execute_total",
			metric.WithDescription("Total refactoring operations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"refactor_rollback_total",
			metric.WithDescription("Total rollbacks performed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		quarantineTotal, err = meter.Int64Counter(
			"refactor_quarantine_total",
			metric.WithDescription("Total files quarantined after failed restores"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startExecuteSpan creates a span for one execution attempt.
func startExecuteSpan(ctx context.Context, suggestionID, filePath string, dryRun bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Executor.Execute",
		trace.WithAttributes(
			attribute.String("refactor.suggestion_id", suggestionID),
			attribute.String("refactor.file", filePath),
			attribute.Bool("refactor.dry_run", dryRun),
		),
	)
}

// recordExecuteMetrics records the outcome of one attempt.
func recordExecuteMetrics(ctx context.Context, outcome string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	executeLatency.Record(ctx, duration.Seconds(), attrs)
	executeTotal.Add(ctx, 1, attrs)
}

// recordRollback records one rollback, manual or automatic.
func recordRollback(ctx context.Context, manual bool) {
	if err := initMetrics(); err != nil {
		return
	}
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("manual", manual)))
}

// recordQuarantine records one quarantined file.
func recordQuarantine(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	quarantineTotal.Add(ctx, 1)
}
