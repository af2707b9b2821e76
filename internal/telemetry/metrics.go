// Package telemetry provides OpenTelemetry instrumentation for the
// subscriber sync server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/isplane/subscriber-sync-server/internal/syncer"

// SyncMetrics holds the OpenTelemetry instruments for sync run metrics
type SyncMetrics struct {
	runDuration metric.Float64Histogram
	records     metric.Int64Counter
	activeRuns  metric.Int64UpDownCounter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given
// meter provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"subsync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	records, err := meter.Int64Counter(
		"subsync_records_total",
		metric.WithDescription("Number of records reconciled, by phase and outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	activeRuns, err := meter.Int64UpDownCounter(
		"subsync_active_runs",
		metric.WithDescription("Number of sync runs currently executing"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		runDuration: runDuration,
		records:     records,
		activeRuns:  activeRuns,
	}, nil
}

// RecordRunStarted records the start of a sync run
func (m *SyncMetrics) RecordRunStarted(ctx context.Context, integrationID string) {
	if m == nil || m.activeRuns == nil {
		return
	}

	m.activeRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", integrationID),
	))
}

// RecordRunFinished records the terminal status and duration of a run
func (m *SyncMetrics) RecordRunFinished(ctx context.Context, integrationID, status string, duration time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("integration", integrationID),
		attribute.String("status", status),
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.activeRuns.Add(ctx, -1, metric.WithAttributes(
		attribute.String("integration", integrationID),
	))
}

// RecordRecords records the per-phase reconciliation counters of a
// finished run
func (m *SyncMetrics) RecordRecords(ctx context.Context, integrationID, phase string, created, updated, failed int64) {
	if m == nil || m.records == nil {
		return
	}

	base := []attribute.KeyValue{
		attribute.String("integration", integrationID),
		attribute.String("phase", phase),
	}

	m.records.Add(ctx, created, metric.WithAttributes(append(base, attribute.String("outcome", "new"))...))
	m.records.Add(ctx, updated, metric.WithAttributes(append(base, attribute.String("outcome", "updated"))...))
	m.records.Add(ctx, failed, metric.WithAttributes(append(base, attribute.String("outcome", "failed"))...))
}
