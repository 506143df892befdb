// Package observability provides structured logging, metrics, and tracing
// for the event bus and pipeline: slog for logging, OpenTelemetry for
// metrics and traces.
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds component context to a logger.
func EnrichLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("component", component))
}

// LogStageFailure logs a pipeline stage failure and the policy branch
// taken for it.
func LogStageFailure(logger *slog.Logger, stage, policy string, err error) {
	if logger == nil {
		return
	}
	logger.Error("pipeline stage failed",
		slog.String("stage", stage),
		slog.String("policy", policy),
		slog.String("error", err.Error()),
	)
}

// LogRollback logs the unwinding of a rollback ledger.
func LogRollback(logger *slog.Logger, stage string, actions int) {
	if logger == nil {
		return
	}
	logger.Debug("rolling back stage contributions",
		slog.String("stage", stage),
		slog.Int("actions", actions),
	)
}

// LogRollbackError logs a failed undo action. Undo failures are swallowed:
// partial rollback is strictly better than none.
func LogRollbackError(logger *slog.Logger, stage, action string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("rollback action failed",
		slog.String("stage", stage),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}

// LogDrop logs an item discarded by a stage.
func LogDrop(logger *slog.Logger, stage string) {
	if logger == nil {
		return
	}
	logger.Debug("item dropped",
		slog.String("stage", stage),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in
// milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
