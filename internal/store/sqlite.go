package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/priceindex-cli/internal/model"
)

// dateLayout is the normalized date form. SQLite stores dates as this text.
const dateLayout = "2006-01-02"

// SQLiteDialect implements Backend using modernc.org/sqlite.
type SQLiteDialect struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode
// and foreign key enforcement.
func NewSQLite(dsn string) (*SQLiteDialect, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteDialect{db: db}, nil
}

func (s *SQLiteDialect) Close() error {
	return s.db.Close()
}

func (s *SQLiteDialect) CreateTables(ctx context.Context, tables []TableDef) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, sqliteCreateTable(t)); err != nil {
			return eris.Wrapf(err, "sqlite: create table %s", t.Name)
		}
	}
	return nil
}

func sqliteCreateTable(t TableDef) string {
	var parts []string
	for _, c := range t.Columns {
		typ := "TEXT"
		if c.Type == TypeReal {
			typ = "REAL"
		}
		col := quoteIdent(c.Name) + " " + typ
		if c.NotNull {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", quoteIdents(t.PrimaryKey)))
	for _, fk := range t.ForeignKeys {
		parts = append(parts, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)",
			quoteIdent(fk.Column), quoteIdent(fk.RefTable), quoteIdent(fk.RefColumn)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoteIdent(t.Name), strings.Join(parts, ",\n\t"))
}

// Upsert writes every set with a prepared INSERT ... ON CONFLICT statement
// inside one transaction.
func (s *SQLiteDialect) Upsert(ctx context.Context, sets ...TableRows) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	counts := make([]int64, len(sets))
	for i, set := range sets {
		n, err := sqliteUpsertSet(ctx, tx, set)
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert: commit tx")
	}
	return counts, nil
}

func sqliteUpsertSet(ctx context.Context, tx *sql.Tx, set TableRows) (int64, error) {
	if len(set.Rows) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, sqliteUpsertSQL(set))
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: upsert: prepare %s", set.Table)
	}
	defer stmt.Close() //nolint:errcheck

	var total int64
	for _, row := range set.Rows {
		res, err := stmt.ExecContext(ctx, sqliteArgs(row)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert into %s", set.Table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func sqliteUpsertSQL(set TableRows) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(set.Columns)), ", ")

	conflict := make(map[string]bool, len(set.ConflictKeys))
	for _, k := range set.ConflictKeys {
		conflict[k] = true
	}
	var updates []string
	for _, c := range set.Columns {
		if !conflict[c] {
			q := quoteIdent(c)
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", q, q))
		}
	}
	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		quoteIdent(set.Table), quoteIdents(set.Columns), placeholders, quoteIdents(set.ConflictKeys), action)
}

// sqliteArgs converts dates to their stored text form.
func sqliteArgs(row []any) []any {
	args := make([]any, len(row))
	for i, v := range row {
		if t, ok := v.(time.Time); ok {
			args[i] = t.Format(dateLayout)
			continue
		}
		args[i] = v
	}
	return args
}

func (s *SQLiteDialect) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s", table)
	}
	return n, nil
}

const sqliteRunLogMigration = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	id           TEXT PRIMARY KEY,
	command      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	stats        TEXT,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_command ON ingest_runs(command, status);
`

func (s *SQLiteDialect) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteRunLogMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteDialect) Start(ctx context.Context, command string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, command, status, started_at) VALUES (?, ?, ?, ?)`,
		id, command, string(model.RunStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start run for %s", command)
	}
	return id, nil
}

func (s *SQLiteDialect) Complete(ctx context.Context, id string, stats map[string]any) error {
	var statsJSON *string
	if stats != nil {
		b, err := json.Marshal(stats)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run stats")
		}
		str := string(b)
		statsJSON = &str
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs SET status = ?, completed_at = ?, stats = ? WHERE id = ?`,
		string(model.RunStatusComplete), time.Now().UTC(), statsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteDialect) Fail(ctx context.Context, id string, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(model.RunStatusFailed), time.Now().UTC(), msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteDialect) List(ctx context.Context, limit int) ([]model.RunEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, status, started_at, completed_at, stats, error
		 FROM ingest_runs ORDER BY started_at DESC LIMIT ?`,
		runLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.RunEntry
	for rows.Next() {
		var (
			e           model.RunEntry
			status      string
			completedAt sql.NullTime
			stats       sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Command, &status, &e.StartedAt, &completedAt, &stats, &errMsg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		e.Status = model.RunStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		if stats.Valid {
			_ = json.Unmarshal([]byte(stats.String), &e.Stats)
		}
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteDialect) LastSuccess(ctx context.Context, command string) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM ingest_runs
		 WHERE command = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		command, string(model.RunStatusComplete),
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last success for %s", command)
	}
	return &t, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: run %s not found", id)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return strings.Join(out, ", ")
}
