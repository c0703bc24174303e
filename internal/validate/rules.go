package validate

import (
	"strings"

	"github.com/sells-group/priceindex-cli/internal/model"
)

// Problem reasons.
const (
	ReasonMissingDate      = "Missing date"
	ReasonInvalidDate      = "Invalid date format"
	ReasonInvalidMonth     = "Invalid month"
	ReasonMissingItemID    = "Missing item ID"
	ReasonMissingDesc      = "Missing or Empty description"
	ReasonBlankDesc        = "Empty description after trimming"
	ReasonInvalidIndex     = "Invalid index value"
	ReasonDuplicateEntries = "Duplicate entries"
)

// Predicate reports whether a column value is acceptable. A nil value is a
// null cell.
type Predicate func(v any) bool

// Rule is a predicate and the reason recorded for rows that fail it.
type Rule struct {
	Check  Predicate
	Reason string
}

// ColumnRules are the ordered rules of one canonical column.
type ColumnRules struct {
	Column string
	Rules  []Rule
}

// NotNull accepts any non-null value.
func NotNull() Predicate {
	return func(v any) bool { return v != nil }
}

// IntBetween accepts integers in [lo, hi].
func IntBetween(lo, hi int64) Predicate {
	return func(v any) bool {
		n, ok := v.(int64)
		return ok && n >= lo && n <= hi
	}
}

// MonthPart accepts YYYYMM integers whose last two digits are a month.
func MonthPart() Predicate {
	return func(v any) bool {
		n, ok := v.(int64)
		if !ok {
			return false
		}
		m := n % 100
		return m >= 1 && m <= 12
	}
}

// NonBlank accepts strings that are not empty after trimming whitespace.
func NonBlank() Predicate {
	return func(v any) bool {
		s, ok := v.(string)
		return ok && strings.TrimSpace(s) != ""
	}
}

// NonNegative accepts non-null numbers >= 0, or > 0 when allowZero is false.
func NonNegative(allowZero bool) Predicate {
	return func(v any) bool {
		f, ok := v.(float64)
		if !ok {
			return false
		}
		if allowZero {
			return f >= 0
		}
		return f > 0
	}
}

// ONSRules returns the rules for the ONS item indices. allowZero decides
// whether an index of exactly 0 is valid.
func ONSRules(allowZero bool) []ColumnRules {
	return []ColumnRules{
		{Column: model.ColDate, Rules: []Rule{
			{Check: NotNull(), Reason: ReasonMissingDate},
			{Check: IntBetween(100000, 999999), Reason: ReasonInvalidDate},
			{Check: MonthPart(), Reason: ReasonInvalidMonth},
		}},
		{Column: model.ColItemID, Rules: []Rule{
			{Check: NotNull(), Reason: ReasonMissingItemID},
		}},
		{Column: model.ColItemDesc, Rules: []Rule{
			{Check: NotNull(), Reason: ReasonMissingDesc},
			{Check: NonBlank(), Reason: ReasonBlankDesc},
		}},
		{Column: model.ColItemIndex, Rules: []Rule{
			{Check: NonNegative(allowZero), Reason: ReasonInvalidIndex},
		}},
	}
}

// ONSDuplicateKeys are the columns that identify one observation.
func ONSDuplicateKeys() []string {
	return []string{model.ColDate, model.ColItemID}
}
