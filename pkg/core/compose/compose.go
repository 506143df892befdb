// Package compose is the composition root: it builds the schema registry,
// bus, failure journal, and pipeline, and registers every built-in stage
// by reference. Nothing in the core self-registers at import time, so the
// assembled system has no import-order dependence.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mai-with-u/amaidesu/pkg/core/config"
	"github.com/Mai-with-u/amaidesu/pkg/core/event"
	"github.com/Mai-with-u/amaidesu/pkg/core/journal"
	"github.com/Mai-with-u/amaidesu/pkg/core/observability"
	"github.com/Mai-with-u/amaidesu/pkg/core/pipeline"
	"github.com/Mai-with-u/amaidesu/pkg/core/pipeline/stages"
)

// Core bundles the assembled subsystems.
type Core struct {
	Bus      *event.Bus
	Pipeline *pipeline.Manager[stages.Message]
	Journal  journal.Journal

	logger *slog.Logger
}

// New assembles the core from configuration. The environment overrides
// file-based settings for process-level concerns (grace period, journal
// path).
func New(cfg config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	envCfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	registry := event.NewSchemaRegistry()
	if err := event.RegisterCoreSchemas(registry); err != nil {
		return nil, fmt.Errorf("register core schemas: %w", err)
	}

	jnl, err := buildJournal(cfg, envCfg)
	if err != nil {
		return nil, err
	}

	var metrics observability.MetricsRecorder = observability.NoopMetrics{}
	var spans observability.SpanManager = observability.NoopSpanManager{}
	obs := cfg.Sub("observability")
	if obs.Bool("metrics", false) {
		metrics = observability.NewMetricsRecorder()
	}
	if obs.Bool("tracing", false) {
		spans = observability.NewSpanManager()
	}

	busLogger := observability.EnrichLogger(logger, "bus")
	bus := event.NewBus(event.BusConfig{
		Registry:    registry,
		Logger:      busLogger,
		GracePeriod: envCfg.GracePeriod,
		Metrics:     metrics,
		Spans:       spans,
		OnError: func(evt event.Event, subscriberID string, err error) {
			rec := &journal.Record{
				Origin:    journal.OriginHandler,
				EventID:   evt.ID(),
				EventName: evt.Name(),
				Component: subscriberID,
				Message:   err.Error(),
				Payload:   evt.DataBytes(),
			}
			if jerr := jnl.Record(context.Background(), rec); jerr != nil {
				busLogger.Warn("failed to journal handler error",
					slog.String("error", jerr.Error()))
			}
		},
	})

	pipeLogger := observability.EnrichLogger(logger, "pipeline")
	pm := pipeline.NewManager[stages.Message](pipeline.ManagerConfig{
		Logger:  pipeLogger,
		Metrics: metrics,
		Spans:   spans,
		OnStageFailure: func(stage string, err error) {
			rec := &journal.Record{
				Origin:    journal.OriginStage,
				Component: stage,
				Message:   err.Error(),
			}
			if jerr := jnl.Record(context.Background(), rec); jerr != nil {
				pipeLogger.Warn("failed to journal stage failure",
					slog.String("error", jerr.Error()))
			}
		},
	})

	if err := RegisterBuiltinStages(pm, cfg.Sub("stages")); err != nil {
		jnl.Close()
		return nil, err
	}

	return &Core{
		Bus:      bus,
		Pipeline: pm,
		Journal:  jnl,
		logger:   logger,
	}, nil
}

// NewFromFile assembles the core from a configuration file (.yaml, .yml,
// or .json; see config.FromFile for the expected shape).
func NewFromFile(path string, logger *slog.Logger) (*Core, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, logger)
}

// buildJournal picks SQLite when a path is configured, memory otherwise.
func buildJournal(cfg config.Config, envCfg config.Env) (journal.Journal, error) {
	path := envCfg.JournalPath
	if path == "" {
		path = cfg.String("journal_path", "")
	}
	if path == "" {
		return journal.NewMemory(cfg.Int("journal_max_records", 0)), nil
	}
	j, err := journal.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open failure journal: %w", err)
	}
	return j, nil
}

// RegisterBuiltinStages registers every built-in stage by reference,
// applying per-stage settings from the "stages" configuration section on
// top of each stage's declared defaults.
func RegisterBuiltinStages(m *pipeline.Manager[stages.Message], cfg config.Config) error {
	rlCfg := cfg.Sub("rate_limit")
	ddCfg := cfg.Sub("dedup")
	thCfg := cfg.Sub("throttle")
	wfCfg := cfg.Sub("word_filter")
	nmCfg := cfg.Sub("normalize")

	builtins := []struct {
		stage pipeline.Stage[stages.Message]
		info  stages.Descriptor
		cfg   config.Config
	}{
		{
			stage: stages.NewRateLimit(
				rlCfg.Int("max_events", 5),
				rlCfg.Duration("window", time.Minute),
			),
			info: (&stages.RateLimit{}).RegistrationInfo(),
			cfg:  rlCfg,
		},
		{
			stage: stages.NewThrottle(
				thCfg.Float("per_second", 1),
				thCfg.Int("burst", 1),
			),
			info: (&stages.Throttle{}).RegistrationInfo(),
			cfg:  thCfg,
		},
		{
			stage: stages.NewDedup(ddCfg.Duration("ttl", 30*time.Second)),
			info:  (&stages.Dedup{}).RegistrationInfo(),
			cfg:   ddCfg,
		},
		{
			stage: stages.NewWordFilter(wfCfg.StringSlice("blocked", nil)),
			info:  (&stages.WordFilter{}).RegistrationInfo(),
			cfg:   wfCfg,
		},
		{
			stage: stages.NewNormalize(nmCfg.Int("max_len", 500)),
			info:  (&stages.Normalize{}).RegistrationInfo(),
			cfg:   nmCfg,
		},
	}

	for _, b := range builtins {
		sc, err := stageConfig(b.cfg, b.info.Defaults)
		if err != nil {
			return fmt.Errorf("stage %s: %w", b.info.Name, err)
		}
		if err := m.Register(b.stage, sc); err != nil {
			return err
		}
	}
	return nil
}

// stageConfig overlays configured values on a stage's declared defaults.
func stageConfig(c config.Config, def pipeline.StageConfig) (pipeline.StageConfig, error) {
	policy, err := pipeline.ParsePolicy(c.String("policy", string(def.Policy)))
	if err != nil {
		return pipeline.StageConfig{}, err
	}
	return pipeline.StageConfig{
		Priority: c.Int("priority", def.Priority),
		Enabled:  c.Bool("enabled", def.Enabled),
		Policy:   policy,
		Timeout:  c.Duration("timeout", def.Timeout),
	}, nil
}

// Shutdown closes the bus first (rejecting new publishes, draining
// in-flight ones up to the grace period), then the journal.
func (c *Core) Shutdown(ctx context.Context) error {
	if err := c.Bus.Shutdown(ctx); err != nil {
		return err
	}
	return c.Journal.Close()
}
