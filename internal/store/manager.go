package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/priceindex-cli/internal/model"
)

// Entity is one projected entity-table row.
type Entity struct {
	ID     string
	Values []any // aligned with Schema.EntityColumns
}

// Measurement is one projected data-table row.
type Measurement struct {
	Date   time.Time
	ID     string
	Values []any // aligned with Schema.MeasurementColumns
}

// UpsertResult reports the outcome of Manager.Upsert. Affected counts are rows
// written; inserted counts are the growth of each table.
type UpsertResult struct {
	EntitiesAffected     int64 `json:"entities_affected" yaml:"entities_affected"`
	MeasurementsAffected int64 `json:"measurements_affected" yaml:"measurements_affected"`
	EntitiesInserted     int64 `json:"entities_inserted" yaml:"entities_inserted"`
	MeasurementsInserted int64 `json:"measurements_inserted" yaml:"measurements_inserted"`
}

// ReferentialIntegrityError lists measurement IDs with no matching entity.
type ReferentialIntegrityError struct {
	Table      string
	MissingIDs []string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("store: %d ids referenced by %s have no entity: [%s]",
		len(e.MissingIDs), e.Table, strings.Join(e.MissingIDs, ", "))
}

// Manager writes validated rows into the schema's two tables.
type Manager struct {
	dialect Dialect
	schema  Schema
	log     *zap.Logger
}

// NewManager creates a Manager writing through dialect.
func NewManager(dialect Dialect, schema Schema) *Manager {
	return &Manager{
		dialect: dialect,
		schema:  schema,
		log:     zap.L().With(zap.String("component", "store")),
	}
}

// Schema returns the managed schema.
func (m *Manager) Schema() Schema {
	return m.schema
}

// Setup creates the entity and data tables if they do not exist.
func (m *Manager) Setup(ctx context.Context) error {
	return m.dialect.CreateTables(ctx, m.schema.Tables())
}

// Upsert projects rows onto both tables and writes them in one transaction.
// Rows must have passed validation.
func (m *Manager) Upsert(ctx context.Context, rows []model.Row) (*UpsertResult, error) {
	entities, measurements, err := m.Project(rows)
	if err != nil {
		return nil, err
	}
	return m.UpsertProjections(ctx, entities, measurements)
}

// Project splits rows into entities deduplicated by ID and measurements
// deduplicated by (ID, date). The first occurrence wins in both.
func (m *Manager) Project(rows []model.Row) ([]Entity, []Measurement, error) {
	s := m.schema
	seenEntity := make(map[string]bool)
	type mkey struct {
		id   string
		date string
	}
	seenMeasurement := make(map[mkey]bool)

	var entities []Entity
	var measurements []Measurement
	for i := range rows {
		r := &rows[i]

		id, ok := r.Value(s.IDColumn).(string)
		if !ok {
			return nil, nil, eris.Errorf("store: row %d from %s has no %s", i, r.SourceFile, s.IDColumn)
		}
		dateStr, ok := r.Value(s.DateColumn).(string)
		if !ok {
			return nil, nil, eris.Errorf("store: row %d from %s has no normalized %s", i, r.SourceFile, s.DateColumn)
		}
		date, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "store: row %d from %s", i, r.SourceFile)
		}

		if !seenEntity[id] {
			vals, err := rowValues(r, s.EntityColumns)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "store: row %d from %s", i, r.SourceFile)
			}
			seenEntity[id] = true
			entities = append(entities, Entity{ID: id, Values: vals})
		}

		k := mkey{id: id, date: dateStr}
		if !seenMeasurement[k] {
			vals, err := rowValues(r, s.MeasurementColumns)
			if err != nil {
				return nil, nil, eris.Wrapf(err, "store: row %d from %s", i, r.SourceFile)
			}
			seenMeasurement[k] = true
			measurements = append(measurements, Measurement{Date: date, ID: id, Values: vals})
		}
	}
	return entities, measurements, nil
}

func rowValues(r *model.Row, cols []string) ([]any, error) {
	vals := make([]any, len(cols))
	for j, c := range cols {
		v := r.Value(c)
		if v == nil {
			return nil, eris.Errorf("null %s", c)
		}
		vals[j] = v
	}
	return vals, nil
}

// UpsertProjections checks that every measurement references a projected
// entity, then upserts both sets atomically. Nothing is written when the check
// fails.
func (m *Manager) UpsertProjections(ctx context.Context, entities []Entity, measurements []Measurement) (*UpsertResult, error) {
	if err := m.checkReferences(entities, measurements); err != nil {
		return nil, err
	}

	s := m.schema
	beforeEntities, err := m.dialect.Count(ctx, s.EntityTable)
	if err != nil {
		return nil, err
	}
	beforeData, err := m.dialect.Count(ctx, s.DataTable)
	if err != nil {
		return nil, err
	}

	entityRows := make([][]any, len(entities))
	for i, e := range entities {
		entityRows[i] = append([]any{e.ID}, e.Values...)
	}
	dataRows := make([][]any, len(measurements))
	for i, ms := range measurements {
		dataRows[i] = append([]any{ms.Date, ms.ID}, ms.Values...)
	}

	counts, err := m.dialect.Upsert(ctx,
		TableRows{
			Table:        s.EntityTable,
			Columns:      s.EntityDef().ColumnNames(),
			ConflictKeys: []string{s.IDColumn},
			Rows:         entityRows,
		},
		TableRows{
			Table:        s.DataTable,
			Columns:      s.DataDef().ColumnNames(),
			ConflictKeys: []string{s.DateColumn, s.IDColumn},
			Rows:         dataRows,
		},
	)
	if err != nil {
		return nil, err
	}

	afterEntities, err := m.dialect.Count(ctx, s.EntityTable)
	if err != nil {
		return nil, err
	}
	afterData, err := m.dialect.Count(ctx, s.DataTable)
	if err != nil {
		return nil, err
	}

	res := &UpsertResult{
		EntitiesAffected:     counts[0],
		MeasurementsAffected: counts[1],
		EntitiesInserted:     afterEntities - beforeEntities,
		MeasurementsInserted: afterData - beforeData,
	}
	m.log.Info("upsert complete",
		zap.Int64("entities_affected", res.EntitiesAffected),
		zap.Int64("entities_inserted", res.EntitiesInserted),
		zap.Int64("measurements_affected", res.MeasurementsAffected),
		zap.Int64("measurements_inserted", res.MeasurementsInserted),
	)
	return res, nil
}

func (m *Manager) checkReferences(entities []Entity, measurements []Measurement) error {
	known := make(map[string]bool, len(entities))
	for _, e := range entities {
		known[e.ID] = true
	}
	missing := make(map[string]bool)
	for _, ms := range measurements {
		if !known[ms.ID] {
			missing[ms.ID] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}
	ids := make([]string, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &ReferentialIntegrityError{Table: m.schema.DataTable, MissingIDs: ids}
}

// Stats returns the row count of each managed table.
func (m *Manager) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, 2)
	for _, t := range []string{m.schema.EntityTable, m.schema.DataTable} {
		n, err := m.dialect.Count(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, nil
}
