package model

// Canonical column names shared by standardization, validation, and the store.
const (
	ColDate      = "date"
	ColItemID    = "item_id"
	ColItemDesc  = "item_desc"
	ColItemIndex = "item_index"
)

// Row is one canonical record read from a source file. Nil pointers are nulls.
// SourceFile is metadata only and is never validated.
type Row struct {
	PeriodRaw  *int64   `json:"period_raw"`
	Date       string   `json:"date,omitempty"` // YYYY-MM-DD, set by validation
	ItemID     *string  `json:"item_id"`
	ItemDesc   *string  `json:"item_desc"`
	ItemIndex  *float64 `json:"item_index"`
	SourceFile string   `json:"source_file"`
}

// Value returns the typed value of a canonical column, or nil when the cell is null
// or the column is unknown. Before validation "date" yields the raw YYYYMM integer;
// afterwards it yields the calendar date string.
func (r *Row) Value(column string) any {
	switch column {
	case ColDate:
		if r.Date != "" {
			return r.Date
		}
		if r.PeriodRaw == nil {
			return nil
		}
		return *r.PeriodRaw
	case ColItemID:
		if r.ItemID == nil {
			return nil
		}
		return *r.ItemID
	case ColItemDesc:
		if r.ItemDesc == nil {
			return nil
		}
		return *r.ItemDesc
	case ColItemIndex:
		if r.ItemIndex == nil {
			return nil
		}
		return *r.ItemIndex
	default:
		return nil
	}
}

// Fields returns the row contents keyed by canonical column for problem reports.
func (r *Row) Fields() map[string]any {
	out := map[string]any{
		ColDate:      r.Value(ColDate),
		ColItemID:    r.Value(ColItemID),
		ColItemDesc:  r.Value(ColItemDesc),
		ColItemIndex: r.Value(ColItemIndex),
	}
	return out
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
