package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env holds process-level settings read from the environment. These
// override the file-based configuration at the composition root.
type Env struct {
	// GracePeriod bounds the shutdown wait for in-flight publishes.
	GracePeriod time.Duration `env:"AMAIDESU_GRACE_PERIOD" envDefault:"5s"`

	// JournalPath is the SQLite failure journal path. Empty means the
	// in-memory journal.
	JournalPath string `env:"AMAIDESU_JOURNAL_PATH"`

	// LogLevel is the minimum slog level: debug, info, warn, error.
	LogLevel string `env:"AMAIDESU_LOG_LEVEL" envDefault:"info"`
}

// FromEnv parses the process environment.
func FromEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}
