package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/priceindex-cli/internal/model"
)

// newMockPostgres creates a PostgresDialect backed by pgxmock for unit testing.
func newMockPostgres(t *testing.T) (*PostgresDialect, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func countRows(n int64) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"count"}).AddRow(n)
}

func TestPostgres_CreateTables(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "items"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "cpi_data"`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.CreateTables(context.Background(), ONSSchema().Tables()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateTable_Types(t *testing.T) {
	got := postgresCreateTable(ONSSchema().DataDef())
	assert.Contains(t, got, `"date" DATE NOT NULL`)
	assert.Contains(t, got, `"item_index" DOUBLE PRECISION NOT NULL`)
	assert.Contains(t, got, `PRIMARY KEY ("date", "item_id")`)
	assert.Contains(t, got, `REFERENCES "items"("item_id")`)
}

func TestPostgres_CreateTables_Error(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`CREATE TABLE`).WillReturnError(fmt.Errorf("permission denied"))

	err := s.CreateTables(context.Background(), ONSSchema().Tables())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create table items")
}

func TestManager_Postgres_UpsertOneTransaction(t *testing.T) {
	s, mock := newMockPostgres(t)
	m := NewManager(s, ONSSchema())

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "items"`).WillReturnRows(countRows(1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "cpi_data"`).WillReturnRows(countRows(1))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_items"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_items"}, []string{"item_id", "item_desc"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "items"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_cpi_data"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_cpi_data"}, []string{"date", "item_id", "item_index"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "cpi_data" .* ON CONFLICT \("date", "item_id"\) DO UPDATE SET "item_index" = EXCLUDED."item_index"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "items"`).WillReturnRows(countRows(2))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "cpi_data"`).WillReturnRows(countRows(2))

	res, err := m.Upsert(context.Background(), []model.Row{
		row("2023-01-01", "A", "Apples", 100),
		row("2023-01-01", "B", "Bread", 90),
	})
	require.NoError(t, err)
	assert.Equal(t, &UpsertResult{
		EntitiesAffected:     2,
		MeasurementsAffected: 2,
		EntitiesInserted:     1,
		MeasurementsInserted: 1,
	}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Upsert_RollsBackOnSecondSet(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_items"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_items"}, []string{"item_id", "item_desc"}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "items"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_cpi_data"`).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	_, err := s.Upsert(context.Background(),
		TableRows{Table: "items", Columns: []string{"item_id", "item_desc"}, ConflictKeys: []string{"item_id"}, Rows: [][]any{{"A", "Apples"}}},
		TableRows{Table: "cpi_data", Columns: []string{"date", "item_id", "item_index"}, ConflictKeys: []string{"date", "item_id"},
			Rows: [][]any{{time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), "A", 100.0}}},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create temp table for cpi_data")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Count(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "cpi_data"`).WillReturnRows(countRows(42))

	n, err := s.Count(context.Background(), "cpi_data")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RunLog_Start(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO ingest_runs`).
		WithArgs(pgxmock.AnyArg(), "run", "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.Start(context.Background(), "run")
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RunLog_Complete(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE ingest_runs SET status = \$1, completed_at = now\(\), stats = \$2 WHERE id = \$3`).
		WithArgs("complete", []byte(`{"rows_retained":3}`), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Complete(context.Background(), "run-1", map[string]any{"rows_retained": 3}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RunLog_FailNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE ingest_runs SET status = \$1, completed_at = now\(\), error = \$2`).
		WithArgs("failed", "boom", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.Fail(context.Background(), "missing", "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RunLog_LastSuccess(t *testing.T) {
	s, mock := newMockPostgres(t)
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT started_at FROM ingest_runs`).
		WithArgs("run", "complete").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(started))
	mock.ExpectQuery(`SELECT started_at FROM ingest_runs`).
		WithArgs("fetch", "complete").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.LastSuccess(context.Background(), "run")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, started.Equal(*got))

	got, err = s.LastSuccess(context.Background(), "fetch")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ingest_runs`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
