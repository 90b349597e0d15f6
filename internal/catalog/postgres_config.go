package catalog

import (
	"log/slog"
	"time"
)

const defaultProjectsTable = "projects"

// PostgresConfig describes how the driver initialises its Postgres connection
// pool and which table it reads projects from.
type PostgresConfig struct {
	DSN                 string
	Table               string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Logger              *slog.Logger
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:   dsn,
		Table: defaultProjectsTable,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if !safeIdentifier(cfg.Table) {
		cfg.Table = defaultProjectsTable
	}
	return cfg
}

// safeIdentifier reports whether the name can be interpolated into SQL as a
// table identifier without quoting.
func safeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
