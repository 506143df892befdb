package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testLogHandler captures log records for testing.
type testLogHandler struct {
	buf *bytes.Buffer
}

func newTestLogHandler() *testLogHandler {
	return &testLogHandler{buf: &bytes.Buffer{}}
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	return json.NewEncoder(h.buf).Encode(data)
}

func (h *testLogHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *testLogHandler) WithGroup(_ string) slog.Handler { return h }

func (h *testLogHandler) records() []map[string]any {
	var out []map[string]any
	for _, line := range bytes.Split(h.buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// TestLogHelpers tests the structured fields each helper emits.
func TestLogHelpers(t *testing.T) {
	h := newTestLogHandler()
	logger := slog.New(h)

	LogStageFailure(logger, "dedup", "continue", errors.New("boom"))
	LogRollback(logger, "dedup", 2)
	LogRollbackError(logger, "dedup", "forget_seen_entry", errors.New("undo boom"))
	LogDrop(logger, "word_filter")

	records := h.records()
	require.Len(t, records, 4)

	assert.Equal(t, "pipeline stage failed", records[0]["msg"])
	assert.Equal(t, "dedup", records[0]["stage"])
	assert.Equal(t, "continue", records[0]["policy"])

	assert.Equal(t, "rolling back stage contributions", records[1]["msg"])
	assert.Equal(t, float64(2), records[1]["actions"])

	assert.Equal(t, "rollback action failed", records[2]["msg"])
	assert.Equal(t, "forget_seen_entry", records[2]["action"])

	assert.Equal(t, "item dropped", records[3]["msg"])
	assert.Equal(t, "word_filter", records[3]["stage"])
}

// TestLogHelpers_NilLogger tests that a nil logger is safe everywhere.
func TestLogHelpers_NilLogger(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "bus"))
	LogStageFailure(nil, "s", "stop", errors.New("x"))
	LogRollback(nil, "s", 1)
	LogRollbackError(nil, "s", "a", errors.New("x"))
	LogDrop(nil, "s")
}

// TestTimedOperation tests elapsed measurement.
func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(15 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), float64(10))
}

// TestOtelMetrics_Recorded tests that recorder calls reach the configured
// meter provider.
func TestOtelMetrics_Recorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	rec := NewMetricsRecorder()
	ctx := context.Background()

	rec.RecordPublish(ctx, "message.received", 3, 5*time.Millisecond, nil)
	rec.RecordHandlerError(ctx, "message.received", "obs")
	rec.RecordStage(ctx, "dedup", time.Millisecond, errors.New("boom"))
	rec.RecordDrop(ctx, "word_filter")
	rec.RecordRollback(ctx, "dedup", 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.NotEmpty(t, rm.ScopeMetrics)

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{
		"amaidesu.bus.publishes",
		"amaidesu.bus.handler_errors",
		"amaidesu.pipeline.stage_executions",
		"amaidesu.pipeline.stage_errors",
		"amaidesu.pipeline.drops",
		"amaidesu.pipeline.rollbacks",
	} {
		assert.True(t, names[want], want)
	}
}

// TestSpanManager tests span creation and error status against an
// in-memory exporter.
func TestSpanManager(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))

	sm := NewSpanManager()
	ctx := context.Background()

	ctx, pubSpan := sm.StartPublishSpan(ctx, "message.received", "evt-1")
	_, stageSpan := sm.StartStageSpan(ctx, "dedup")
	sm.EndSpanWithError(stageSpan, errors.New("boom"))
	sm.EndSpanWithError(pubSpan, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "amaidesu.publish")
	require.Contains(t, byName, "amaidesu.stage.dedup")

	stage := byName["amaidesu.stage.dedup"]
	assert.NotEmpty(t, stage.Events) // recorded error
	// The stage span is a child of the publish span.
	assert.Equal(t, byName["amaidesu.publish"].SpanContext.SpanID(),
		stage.Parent.SpanID())
}

// TestNoops tests that the disabled implementations are inert.
func TestNoops(t *testing.T) {
	ctx := context.Background()

	var m MetricsRecorder = NoopMetrics{}
	m.RecordPublish(ctx, "e", 1, time.Millisecond, nil)
	m.RecordHandlerError(ctx, "e", "s")
	m.RecordStage(ctx, "s", time.Millisecond, nil)
	m.RecordDrop(ctx, "s")
	m.RecordRollback(ctx, "s", 1)

	var sp SpanManager = NoopSpanManager{}
	sctx, span := sp.StartPublishSpan(ctx, "e", "id")
	assert.Equal(t, ctx, sctx)
	sp.EndSpanWithError(span, errors.New("x"))
	sp.AddSpanEvent(ctx, "noop")
}
