package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	coreerrors "github.com/Mai-with-u/amaidesu/pkg/core/errors"
	"github.com/Mai-with-u/amaidesu/pkg/core/observability"
)

// ManagerConfig configures a pipeline manager.
type ManagerConfig struct {
	// Logger for stage diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Metrics recorder. Default: observability.NoopMetrics{}.
	Metrics observability.MetricsRecorder

	// Spans manager for tracing. Default: observability.NoopSpanManager{}.
	Spans observability.SpanManager

	// OnStageFailure is called for every stage failure regardless of
	// policy, after logging. Used to wire journaling.
	OnStageFailure func(stage string, err error)
}

// registeredStage pairs a stage with its configuration and counters.
type registeredStage[T any] struct {
	stage Stage[T]
	cfg   StageConfig
	seq   uint64

	mu        sync.Mutex
	processed int64
	dropped   int64
	errors    int64
	totalDur  time.Duration
}

// StageStats is an informational snapshot of one stage's counters.
type StageStats struct {
	Processed   int64
	Dropped     int64
	Errors      int64
	AvgDuration time.Duration
}

// Manager orders stages and drives items through the chain.
type Manager[T any] struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	onFail  func(stage string, err error)

	mu     sync.RWMutex
	stages []*registeredStage[T]
	seq    uint64
}

// NewManager creates a pipeline manager.
func NewManager[T any](cfg ManagerConfig) *Manager[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Manager[T]{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		spans:   cfg.Spans,
		onFail:  cfg.OnStageFailure,
	}
}

// Register inserts a stage into the chain, ordered by (priority,
// registration order). Re-registration mid-flight is not supported: the
// chain order is fixed for items already traversing it.
func (m *Manager[T]) Register(stage Stage[T], cfg StageConfig) error {
	if stage.Name() == "" {
		return &ChainError{Stage: "?", Err: errStageName}
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return &ChainError{Stage: stage.Name(), Err: err}
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyContinue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultStageTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.stages = append(m.stages, &registeredStage[T]{stage: stage, cfg: cfg, seq: m.seq})
	sort.SliceStable(m.stages, func(i, j int) bool {
		if m.stages[i].cfg.Priority != m.stages[j].cfg.Priority {
			return m.stages[i].cfg.Priority < m.stages[j].cfg.Priority
		}
		return m.stages[i].seq < m.stages[j].seq
	})
	return nil
}

// StageNames returns the chain order, including disabled stages.
func (m *Manager[T]) StageNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.stages))
	for i, reg := range m.stages {
		names[i] = reg.stage.Name()
	}
	return names
}

// Process drives one item through all enabled stages in order.
//
// The returned bool reports whether an item survived the chain: (item,
// true, nil) is the transformed result, (zero, false, nil) means the item
// was dropped - by a DROP-policy failure or a stage's own no-result - and
// is indistinguishable from "nothing matched". Only a STOP-policy failure
// returns an error (*ChainError).
func (m *Manager[T]) Process(ctx context.Context, item T, meta map[string]any) (T, bool, error) {
	var zero T

	m.mu.RLock()
	chain := make([]*registeredStage[T], len(m.stages))
	copy(chain, m.stages)
	m.mu.RUnlock()

	// One ledger for the entire traversal, so STOP/DROP can unwind
	// everything contributed by all stages visited so far.
	pctx := newContext(item, meta, m.logger)
	current := item

	for _, reg := range chain {
		if !reg.cfg.Enabled {
			continue
		}

		name := reg.stage.Name()
		mark := pctx.mark()
		pctx.setStage(name)

		start := time.Now()
		out, keep, err := m.runStage(ctx, reg, current, pctx)
		elapsed := time.Since(start)
		m.metrics.RecordStage(ctx, name, elapsed, err)

		if err != nil {
			reg.record(elapsed, false, true)
			observability.LogStageFailure(m.logger, name, string(reg.cfg.Policy), err)
			if m.onFail != nil {
				m.onFail(name, err)
			}

			switch reg.cfg.Policy {
			case PolicyContinue:
				// Skip this stage's effect entirely: undo only its own
				// contributions and resume from the pre-chain value, so a
				// half-mutated item never reaches downstream stages.
				n := pctx.rollbackFrom(ctx, mark)
				observability.LogRollback(m.logger, name, n)
				m.metrics.RecordRollback(ctx, name, n)
				current = pctx.Original()
				continue

			case PolicyStop:
				n := pctx.rollbackFrom(ctx, 0)
				observability.LogRollback(m.logger, name, n)
				m.metrics.RecordRollback(ctx, name, n)
				return zero, false, &ChainError{Stage: name, Err: err}

			case PolicyDrop:
				n := pctx.rollbackFrom(ctx, 0)
				observability.LogRollback(m.logger, name, n)
				m.metrics.RecordRollback(ctx, name, n)
				m.metrics.RecordDrop(ctx, name)
				return zero, false, nil
			}
		}

		if !keep {
			// A stage returning no result without an error is an
			// implicit drop; it unwinds the whole traversal too.
			reg.record(elapsed, true, false)
			n := pctx.rollbackFrom(ctx, 0)
			observability.LogRollback(m.logger, name, n)
			m.metrics.RecordRollback(ctx, name, n)
			observability.LogDrop(m.logger, name)
			m.metrics.RecordDrop(ctx, name)
			return zero, false, nil
		}

		reg.record(elapsed, false, false)
		current = out
	}

	return current, true, nil
}

// runStage invokes one stage bounded by its timeout. A timeout or panic is
// treated identically to a returned error for policy branching.
func (m *Manager[T]) runStage(ctx context.Context, reg *registeredStage[T], item T, pctx *Context[T]) (T, bool, error) {
	var zero T

	name := reg.stage.Name()
	sctx, cancel := context.WithTimeout(ctx, reg.cfg.Timeout)
	defer cancel()

	sctx, span := m.spans.StartStageSpan(sctx, name)

	type result struct {
		out  T
		keep bool
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: &coreerrors.PanicError{Operation: "stage " + name, Value: r}}
			}
		}()
		out, keep, err := reg.stage.Process(sctx, item, pctx)
		ch <- result{out: out, keep: keep, err: err}
	}()

	select {
	case r := <-ch:
		m.spans.EndSpanWithError(span, r.err)
		return r.out, r.keep, r.err
	case <-sctx.Done():
		var err error
		if ctx.Err() != nil {
			// The caller's context ended, not the stage budget.
			err = ctx.Err()
		} else {
			err = &coreerrors.TimeoutError{Operation: "stage " + name, Budget: reg.cfg.Timeout}
		}
		m.spans.EndSpanWithError(span, err)
		return zero, false, err
	}
}

// record updates a stage's counters.
func (r *registeredStage[T]) record(d time.Duration, dropped, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	r.totalDur += d
	if dropped {
		r.dropped++
	}
	if failed {
		r.errors++
	}
}

// Stats returns an informational snapshot of per-stage counters.
// Not part of the control-flow contract.
func (m *Manager[T]) Stats() map[string]StageStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]StageStats, len(m.stages))
	for _, reg := range m.stages {
		reg.mu.Lock()
		stats := StageStats{
			Processed: reg.processed,
			Dropped:   reg.dropped,
			Errors:    reg.errors,
		}
		if reg.processed > 0 {
			stats.AvgDuration = reg.totalDur / time.Duration(reg.processed)
		}
		reg.mu.Unlock()
		out[reg.stage.Name()] = stats
	}
	return out
}
