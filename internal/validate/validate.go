// Package validate filters canonical rows through per-column rules and removes
// duplicate observations, keeping a record of every rejected row.
package validate

import (
	"fmt"
	"strings"

	"github.com/sells-group/priceindex-cli/internal/model"
)

// Engine applies column rules and duplicate elimination.
type Engine struct {
	rules         []ColumnRules
	duplicateKeys []string
}

// NewEngine creates an Engine. duplicateKeys may be empty to keep duplicates.
func NewEngine(rules []ColumnRules, duplicateKeys []string) *Engine {
	return &Engine{rules: rules, duplicateKeys: duplicateKeys}
}

// Validate returns the rows that pass every column's rules, with dates in
// YYYY-MM-01 form and descriptions trimmed, followed by duplicate elimination
// on the duplicate keys (first occurrence wins).
//
// Each column is checked against every input row. A failing row is recorded
// once per column, under the first rule of that column it fails, so a row bad
// in two columns appears under two reasons.
func (e *Engine) Validate(rows []model.Row) ([]model.Row, *Results) {
	res := NewResults()
	res.TotalRows = len(rows)

	rejected := make([]bool, len(rows))
	for _, col := range e.rules {
		for i := range rows {
			v := rows[i].Value(col.Column)
			for _, rule := range col.Rules {
				if !rule.Check(v) {
					res.AddProblem(rule.Reason, rows[i])
					rejected[i] = true
					break
				}
			}
		}
	}

	clean := make([]model.Row, 0, len(rows))
	for i, r := range rows {
		if rejected[i] {
			continue
		}
		clean = append(clean, normalize(r))
	}

	if len(e.duplicateKeys) > 0 {
		seen := make(map[string]struct{}, len(clean))
		unique := clean[:0]
		for _, r := range clean {
			k := e.key(&r)
			if _, dup := seen[k]; dup {
				res.AddProblem(ReasonDuplicateEntries, r)
				continue
			}
			seen[k] = struct{}{}
			unique = append(unique, r)
		}
		clean = unique
	}

	res.RowsRetained = len(clean)
	return clean, res
}

// normalize fills the calendar date from the raw period and trims the
// description. Callers only pass rows that passed validation.
func normalize(r model.Row) model.Row {
	if r.Date == "" && r.PeriodRaw != nil {
		p := *r.PeriodRaw
		r.Date = fmt.Sprintf("%04d-%02d-01", p/100, p%100)
	}
	if r.ItemDesc != nil {
		r.ItemDesc = model.String(strings.TrimSpace(*r.ItemDesc))
	}
	return r
}

func (e *Engine) key(r *model.Row) string {
	parts := make([]string, len(e.duplicateKeys))
	for i, c := range e.duplicateKeys {
		parts[i] = fmt.Sprint(r.Value(c))
	}
	return strings.Join(parts, "\x00")
}
