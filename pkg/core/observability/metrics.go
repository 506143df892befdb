package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records bus and pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one publish call with its fan-out size,
	// duration, and error status.
	RecordPublish(ctx context.Context, eventName string, subscribers int, duration time.Duration, err error)

	// RecordHandlerError records one isolated handler failure.
	RecordHandlerError(ctx context.Context, eventName, subscriberID string)

	// RecordStage records one stage execution.
	RecordStage(ctx context.Context, stage string, duration time.Duration, err error)

	// RecordDrop records an item dropped by a stage.
	RecordDrop(ctx context.Context, stage string)

	// RecordRollback records a rollback with the number of undo actions run.
	RecordRollback(ctx context.Context, stage string, actions int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	publishLatency  metric.Float64Histogram
	handlerErrors   metric.Int64Counter
	stageExecutions metric.Int64Counter
	stageLatency    metric.Float64Histogram
	stageErrors     metric.Int64Counter
	drops           metric.Int64Counter
	rollbacks       metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("amaidesu")

	publishes, err := meter.Int64Counter("amaidesu.bus.publishes",
		metric.WithDescription("Number of publish calls"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("amaidesu.bus.publish_latency_ms",
		metric.WithDescription("Publish call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("amaidesu.bus.handler_errors",
		metric.WithDescription("Number of isolated handler failures"),
	)
	if err != nil {
		return nil, err
	}

	stageExecutions, err := meter.Int64Counter("amaidesu.pipeline.stage_executions",
		metric.WithDescription("Number of stage executions"),
	)
	if err != nil {
		return nil, err
	}

	stageLatency, err := meter.Float64Histogram("amaidesu.pipeline.stage_latency_ms",
		metric.WithDescription("Stage execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stageErrors, err := meter.Int64Counter("amaidesu.pipeline.stage_errors",
		metric.WithDescription("Number of stage failures"),
	)
	if err != nil {
		return nil, err
	}

	drops, err := meter.Int64Counter("amaidesu.pipeline.drops",
		metric.WithDescription("Number of items dropped by stages"),
	)
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter("amaidesu.pipeline.rollbacks",
		metric.WithDescription("Number of rollback ledger unwinds"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:       publishes,
		publishLatency:  publishLatency,
		handlerErrors:   handlerErrors,
		stageExecutions: stageExecutions,
		stageLatency:    stageLatency,
		stageErrors:     stageErrors,
		drops:           drops,
		rollbacks:       rollbacks,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records one publish call.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventName string, subscribers int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.Int("subscribers", subscribers),
		attribute.Bool("error", err != nil),
	)
	m.publishes.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordHandlerError records one isolated handler failure.
func (m *otelMetrics) RecordHandlerError(ctx context.Context, eventName, subscriberID string) {
	m.handlerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.String("subscriber", subscriberID),
	))
}

// RecordStage records one stage execution.
func (m *otelMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
	)
	m.stageExecutions.Add(ctx, 1, attrs)
	m.stageLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.stageErrors.Add(ctx, 1, attrs)
	}
}

// RecordDrop records an item dropped by a stage.
func (m *otelMetrics) RecordDrop(ctx context.Context, stage string) {
	m.drops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

// RecordRollback records a rollback ledger unwind.
func (m *otelMetrics) RecordRollback(ctx context.Context, stage string, actions int) {
	m.rollbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Int("actions", actions),
	))
}
