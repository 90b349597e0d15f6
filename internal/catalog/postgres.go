package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"transportsync/internal/observability/metrics"
)

const postgresQueryTimeout = 5 * time.Second

// Postgres serves projects from a database table. The driver is read-only at
// runtime; EnsureSchema and the import tooling handle writes.
type Postgres struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger *slog.Logger
}

// NewPostgres opens a Postgres-backed catalog.
func NewPostgres(dsn string, opts ...Option) (*Postgres, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	p := &Postgres{pool: pool, cfg: cfg, logger: cfg.Logger}
	metrics.SetCatalogHealth("postgres", "ok")
	return p, nil
}

// EnsureSchema creates the projects table when it does not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	artist TEXT NOT NULL DEFAULT '',
	tempo DOUBLE PRECISION,
	time_signature TEXT,
	document JSONB
)`, p.cfg.Table)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure projects schema: %w", err)
	}
	return nil
}

// UpsertProject inserts or replaces one catalog entry. It backs the import
// tooling rather than any runtime mutation path.
func (p *Postgres) UpsertProject(ctx context.Context, project Project) error {
	if strings.TrimSpace(project.ID) == "" {
		return fmt.Errorf("project id required")
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, display_name, artist, tempo, time_signature, document)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	artist = EXCLUDED.artist,
	tempo = EXCLUDED.tempo,
	time_signature = EXCLUDED.time_signature,
	document = EXCLUDED.document`, p.cfg.Table)

	var timeSig *string
	if project.TimeSignature != "" {
		timeSig = &project.TimeSignature
	}
	var document []byte
	if len(project.Document) > 0 {
		document = project.Document
	}
	if _, err := p.pool.Exec(ctx, query, project.ID, project.DisplayName, project.Artist, project.Tempo, timeSig, document); err != nil {
		return fmt.Errorf("upsert project %s: %w", project.ID, err)
	}
	return nil
}

// GetProject returns the project with the given id.
func (p *Postgres) GetProject(id string) (Project, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id, display_name, artist, tempo, time_signature, document FROM %s WHERE id = $1`, p.cfg.Table)
	project, err := scanProject(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			p.logger.Warn("catalog lookup failed", "id", id, "error", err)
		}
		return Project{}, false
	}
	return project, true
}

// ListProjects returns every project sorted by id.
func (p *Postgres) ListProjects() []Project {
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id, display_name, artist, tempo, time_signature, document FROM %s ORDER BY id`, p.cfg.Table)
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		p.logger.Warn("catalog list failed", "error", err)
		return nil
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			p.logger.Warn("catalog row scan failed", "error", err)
			continue
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		p.logger.Warn("catalog list failed", "error", err)
		return nil
	}
	return projects
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return fmt.Errorf("postgres catalog not initialised")
	}
	return p.pool.Ping(ctx)
}

// Close releases the connection pool, honouring the context deadline.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var (
		project  Project
		artist   *string
		display  *string
		timeSig  *string
		document []byte
	)
	if err := row.Scan(&project.ID, &display, &artist, &project.Tempo, &timeSig, &document); err != nil {
		return Project{}, err
	}
	if display != nil {
		project.DisplayName = *display
	}
	if artist != nil {
		project.Artist = *artist
	}
	if timeSig != nil {
		project.TimeSignature = *timeSig
	}
	if len(document) > 0 {
		project.Document = append([]byte(nil), document...)
	}
	if project.DisplayName == "" {
		project.DisplayName = project.ID
	}
	return project, nil
}
