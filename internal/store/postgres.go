package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/priceindex-cli/internal/db"
	"github.com/sells-group/priceindex-cli/internal/model"
)

// PostgresDialect implements Backend using pgxpool.
type PostgresDialect struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresDialect with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresDialect, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresDialect{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresDialect {
	return &PostgresDialect{pool: pool}
}

func (s *PostgresDialect) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresDialect) CreateTables(ctx context.Context, tables []TableDef) error {
	for _, t := range tables {
		if _, err := s.pool.Exec(ctx, postgresCreateTable(t)); err != nil {
			return eris.Wrapf(err, "postgres: create table %s", t.Name)
		}
	}
	return nil
}

func postgresCreateTable(t TableDef) string {
	var parts []string
	for _, c := range t.Columns {
		var typ string
		switch c.Type {
		case TypeDate:
			typ = "DATE"
		case TypeReal:
			typ = "DOUBLE PRECISION"
		default:
			typ = "TEXT"
		}
		col := pgx.Identifier{c.Name}.Sanitize() + " " + typ
		if c.NotNull {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", pgIdents(t.PrimaryKey)))
	for _, fk := range t.ForeignKeys {
		parts = append(parts, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)",
			pgx.Identifier{fk.Column}.Sanitize(), pgx.Identifier{fk.RefTable}.Sanitize(), pgx.Identifier{fk.RefColumn}.Sanitize()))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", pgx.Identifier{t.Name}.Sanitize(), strings.Join(parts, ",\n\t"))
}

// Upsert stages each set through a temp table and COPY, all in one transaction.
func (s *PostgresDialect) Upsert(ctx context.Context, sets ...TableRows) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	counts := make([]int64, len(sets))
	for i, set := range sets {
		n, err := db.UpsertTx(ctx, tx, db.UpsertConfig{
			Table:        set.Table,
			Columns:      set.Columns,
			ConflictKeys: set.ConflictKeys,
		}, set.Rows)
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: upsert: commit tx")
	}
	return counts, nil
}

func (s *PostgresDialect) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgx.Identifier{table}.Sanitize()).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s", table)
	}
	return n, nil
}

const postgresRunLogMigration = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	id           TEXT PRIMARY KEY,
	command      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	stats        JSONB,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_command ON ingest_runs(command, status);
`

func (s *PostgresDialect) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresRunLogMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresDialect) Start(ctx context.Context, command string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_runs (id, command, status, started_at) VALUES ($1, $2, $3, now())`,
		id, command, string(model.RunStatusRunning),
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: start run for %s", command)
	}
	return id, nil
}

func (s *PostgresDialect) Complete(ctx context.Context, id string, stats map[string]any) error {
	var statsJSON []byte
	if stats != nil {
		var err error
		statsJSON, err = json.Marshal(stats)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run stats")
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_runs SET status = $1, completed_at = now(), stats = $2 WHERE id = $3`,
		string(model.RunStatusComplete), statsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", id)
	}
	return nil
}

func (s *PostgresDialect) Fail(ctx context.Context, id string, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_runs SET status = $1, completed_at = now(), error = $2 WHERE id = $3`,
		string(model.RunStatusFailed), msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", id)
	}
	return nil
}

func (s *PostgresDialect) List(ctx context.Context, limit int) ([]model.RunEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, command, status, started_at, completed_at, stats, error
		 FROM ingest_runs ORDER BY started_at DESC LIMIT $1`,
		runLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var entries []model.RunEntry
	for rows.Next() {
		var (
			e           model.RunEntry
			status      string
			completedAt *time.Time
			statsJSON   []byte
			errMsg      *string
		)
		if err := rows.Scan(&e.ID, &e.Command, &status, &e.StartedAt, &completedAt, &statsJSON, &errMsg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		e.Status = model.RunStatus(status)
		e.CompletedAt = completedAt
		if statsJSON != nil {
			_ = json.Unmarshal(statsJSON, &e.Stats)
		}
		if errMsg != nil {
			e.Error = *errMsg
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresDialect) LastSuccess(ctx context.Context, command string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM ingest_runs
		 WHERE command = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		command, string(model.RunStatusComplete),
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last success for %s", command)
	}
	return &t, nil
}

func pgIdents(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(out, ", ")
}
