// Package store persists validated rows into an entity table and a data table,
// and keeps the ingestion run log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/priceindex-cli/internal/model"
)

// TableRows is one set of rows to upsert into a table.
type TableRows struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	Rows         [][]any
}

// Dialect is a SQL backend the Manager writes through.
type Dialect interface {
	// CreateTables creates each table if it does not exist, in order.
	CreateTables(ctx context.Context, tables []TableDef) error
	// Upsert writes every set inside one transaction and returns the rows
	// written per set.
	Upsert(ctx context.Context, sets ...TableRows) ([]int64, error)
	// Count returns the number of rows in table.
	Count(ctx context.Context, table string) (int64, error)
	Close() error
}

// RunLog records ingestion runs.
type RunLog interface {
	// Migrate creates the run log table.
	Migrate(ctx context.Context) error
	// Start records the beginning of a run and returns its ID.
	Start(ctx context.Context, command string) (string, error)
	// Complete marks a run as successfully completed.
	Complete(ctx context.Context, id string, stats map[string]any) error
	// Fail marks a run as failed with an error message.
	Fail(ctx context.Context, id string, msg string) error
	// List returns the most recent runs, newest first.
	List(ctx context.Context, limit int) ([]model.RunEntry, error)
	// LastSuccess returns the start time of the most recent completed run of
	// command, or nil if there is none.
	LastSuccess(ctx context.Context, command string) (*time.Time, error)
}

// Backend is a dialect that also keeps the run log.
type Backend interface {
	Dialect
	RunLog
}

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultRunLimit is used by List when limit is not positive.
const DefaultRunLimit = 20

// Open connects to the backend named by driver.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Backend, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

func runLimit(limit int) int {
	if limit <= 0 {
		return DefaultRunLimit
	}
	return limit
}
