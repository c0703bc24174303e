package store

import "github.com/sells-group/priceindex-cli/internal/model"

// ColumnType is a dialect-neutral column type.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeDate
	TypeReal
)

// ColumnDef describes one column of a managed table.
type ColumnDef struct {
	Name    string
	Type    ColumnType
	NotNull bool
}

// ForeignKey is a single-column reference to another table's key.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// TableDef is a dialect-neutral table definition.
type TableDef struct {
	Name        string
	Columns     []ColumnDef
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

// ColumnNames returns the table's column names in definition order.
func (t TableDef) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Schema names the entity (static dimension) and data (fact) tables and their
// columns. The entity table is keyed by IDColumn; the data table by
// (DateColumn, IDColumn).
type Schema struct {
	IDColumn           string
	DateColumn         string
	EntityColumns      []string
	MeasurementColumns []string
	EntityTable        string
	DataTable          string
}

// ONSSchema is the items / cpi_data layout.
func ONSSchema() Schema {
	return Schema{
		IDColumn:           model.ColItemID,
		DateColumn:         model.ColDate,
		EntityColumns:      []string{model.ColItemDesc},
		MeasurementColumns: []string{model.ColItemIndex},
		EntityTable:        "items",
		DataTable:          "cpi_data",
	}
}

// EntityDef returns the entity table definition.
func (s Schema) EntityDef() TableDef {
	cols := []ColumnDef{{Name: s.IDColumn, Type: TypeText, NotNull: true}}
	for _, c := range s.EntityColumns {
		cols = append(cols, ColumnDef{Name: c, Type: TypeText, NotNull: true})
	}
	return TableDef{
		Name:       s.EntityTable,
		Columns:    cols,
		PrimaryKey: []string{s.IDColumn},
	}
}

// DataDef returns the data table definition.
func (s Schema) DataDef() TableDef {
	cols := []ColumnDef{
		{Name: s.DateColumn, Type: TypeDate, NotNull: true},
		{Name: s.IDColumn, Type: TypeText, NotNull: true},
	}
	for _, c := range s.MeasurementColumns {
		cols = append(cols, ColumnDef{Name: c, Type: TypeReal, NotNull: true})
	}
	return TableDef{
		Name:       s.DataTable,
		Columns:    cols,
		PrimaryKey: []string{s.DateColumn, s.IDColumn},
		ForeignKeys: []ForeignKey{
			{Column: s.IDColumn, RefTable: s.EntityTable, RefColumn: s.IDColumn},
		},
	}
}

// Tables returns both definitions, entity table first.
func (s Schema) Tables() []TableDef {
	return []TableDef{s.EntityDef(), s.DataDef()}
}
