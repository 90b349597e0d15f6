package catalog

import (
	"log/slog"
	"strings"
	"time"
)

type Option interface {
	applyDir(*Dir)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	dir func(*Dir)
	pg  func(*PostgresConfig)
}

func (o optionAdapter) applyDir(d *Dir) {
	if o.dir != nil && d != nil {
		o.dir(d)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(dir func(*Dir), pg func(*PostgresConfig)) Option {
	return optionAdapter{dir: dir, pg: pg}
}

func dirOnlyOption(dir func(*Dir)) Option {
	return optionAdapter{dir: dir}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithLogger routes driver diagnostics through the provided logger.
func WithLogger(logger *slog.Logger) Option {
	return composeOption(
		func(d *Dir) {
			if logger != nil {
				d.logger = logger
			}
		},
		func(cfg *PostgresConfig) {
			if logger != nil {
				cfg.Logger = logger
			}
		},
	)
}

// WithWatch toggles filesystem watching on the directory driver so edits to
// project files are reflected without a restart.
func WithWatch(enabled bool) Option {
	return dirOnlyOption(func(d *Dir) {
		d.watch = enabled
	})
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

// WithPostgresAcquireTimeout configures how long the driver waits to obtain a
// connection from the pool.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithPostgresTable overrides the table the driver reads projects from.
func WithPostgresTable(table string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(table); trimmed != "" {
			cfg.Table = trimmed
		}
	})
}
