package standardize

import "github.com/sells-group/priceindex-cli/internal/model"

// Column maps one source column to a canonical column.
type Column struct {
	Source string
	Target string
}

// Mapping is the ordered set of columns projected out of every source file.
// Source names are matched case-insensitively; unmapped columns are dropped.
type Mapping []Column

// Sources returns the source column names in order.
func (m Mapping) Sources() []string {
	out := make([]string, len(m))
	for i, c := range m {
		out[i] = c.Source
	}
	return out
}

// ONSMapping is the column mapping of the ONS item indices files.
func ONSMapping() Mapping {
	return Mapping{
		{Source: "INDEX_DATE", Target: model.ColDate},
		{Source: "ITEM_ID", Target: model.ColItemID},
		{Source: "ITEM_DESC", Target: model.ColItemDesc},
		{Source: "ALL_GM_INDEX", Target: model.ColItemIndex},
	}
}
