package fetcher

import "strings"

// Table is a parsed tabular file: a header row and data rows. Data rows are
// padded to the header width.
type Table struct {
	Header []string
	Rows   [][]string
	// Skipped counts records the parser could not interpret.
	Skipped int
}

// newTable splits raw records into header and rows. Leading blank records are
// dropped before the header is taken, blank data records are dropped, and
// records wider than the header are counted as skipped.
func newTable(records [][]string, skipped int) *Table {
	t := &Table{Skipped: skipped}
	for _, rec := range records {
		if blankRecord(rec) {
			continue
		}
		if t.Header == nil {
			t.Header = make([]string, len(rec))
			for i, h := range rec {
				t.Header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
			}
			continue
		}
		if len(rec) > len(t.Header) && !blankRecord(rec[len(t.Header):]) {
			t.Skipped++
			continue
		}
		row := make([]string, len(t.Header))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t
}

func blankRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
