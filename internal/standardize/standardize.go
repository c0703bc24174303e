// Package standardize reads raw CSV and XLSX files into canonical rows.
package standardize

import (
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/priceindex-cli/internal/fetcher"
	"github.com/sells-group/priceindex-cli/internal/model"
)

// DefaultExtensions are the file types read by StandardizeDir.
var DefaultExtensions = []string{".csv", ".xlsx"}

// dateLayouts are calendar forms accepted in the date column besides YYYYMM.
var dateLayouts = []string{"2006-01-02", "2006-01", "02/01/2006", "2006-01-02 15:04:05"}

// FileError is a file excluded from a batch and why.
type FileError struct {
	Path string
	Err  string
}

// Batch is the combined result of standardizing a directory.
type Batch struct {
	Rows      []model.Row
	Files     int
	Succeeded int
	Failed    []FileError
	// Skipped counts source records the parser could not interpret.
	Skipped int
}

// Standardizer projects source files onto the canonical columns.
type Standardizer struct {
	mapping    Mapping
	extensions []string
}

// New creates a Standardizer. Nil extensions use DefaultExtensions.
func New(m Mapping, extensions []string) *Standardizer {
	if extensions == nil {
		extensions = DefaultExtensions
	}
	return &Standardizer{mapping: m, extensions: extensions}
}

// Accepts reports whether path has one of the configured extensions.
func (s *Standardizer) Accepts(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range s.extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// StandardizeFile reads one file and returns its canonical rows, each tagged
// with the file path.
func (s *Standardizer) StandardizeFile(path string) ([]model.Row, error) {
	rows, _, err := s.standardizeFile(path)
	return rows, err
}

func (s *Standardizer) standardizeFile(path string) ([]model.Row, int, error) {
	tbl, err := readTable(path)
	if err != nil {
		return nil, 0, &ParseError{Path: path, Err: err}
	}

	lookup := make(map[string]int, len(tbl.Header))
	for i, h := range tbl.Header {
		key := strings.ToLower(h)
		if _, ok := lookup[key]; !ok {
			lookup[key] = i
		}
	}

	idx := make([]int, len(s.mapping))
	var missing []string
	for i, c := range s.mapping {
		pos, ok := lookup[strings.ToLower(c.Source)]
		if !ok {
			missing = append(missing, c.Source)
			continue
		}
		idx[i] = pos
	}
	if len(missing) > 0 {
		return nil, 0, &SchemaError{Path: path, Missing: missing}
	}

	rows := make([]model.Row, 0, len(tbl.Rows))
	for _, rec := range tbl.Rows {
		row := model.Row{SourceFile: path}
		for i, c := range s.mapping {
			setCell(&row, c.Target, rec[idx[i]])
		}
		rows = append(rows, row)
	}
	return rows, tbl.Skipped, nil
}

// StandardizeDir reads every matching file under dir, recursively and in
// lexical order. A file that fails is recorded in Batch.Failed and contributes
// no rows.
func (s *Standardizer) StandardizeDir(dir string) (*Batch, error) {
	log := zap.L().With(zap.String("component", "standardize"))
	b := &Batch{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !s.Accepts(path) {
			return nil
		}
		b.Files++
		rows, skipped, ferr := s.standardizeFile(path)
		if ferr != nil {
			log.Warn("excluding file", zap.String("file", path), zap.Error(ferr))
			b.Failed = append(b.Failed, FileError{Path: path, Err: ferr.Error()})
			return nil
		}
		log.Debug("standardized file",
			zap.String("file", path),
			zap.Int("rows", len(rows)),
			zap.Int("skipped_records", skipped),
		)
		b.Succeeded++
		b.Skipped += skipped
		b.Rows = append(b.Rows, rows...)
		return nil
	})
	if err != nil {
		return b, eris.Wrapf(err, "standardize: walk %s", dir)
	}
	return b, nil
}

func readTable(path string) (*fetcher.Table, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open file")
	}
	defer f.Close() //nolint:errcheck
	return fetcher.ReadCSV(f)
}

// setCell stores a raw cell into the canonical column. Empty and
// uninterpretable cells stay null.
func setCell(row *model.Row, column, raw string) {
	v := strings.TrimSpace(raw)
	switch column {
	case model.ColDate:
		if v == "" {
			return
		}
		if p, ok := parsePeriod(v); ok {
			row.PeriodRaw = &p
		}
	case model.ColItemID:
		if v != "" {
			row.ItemID = model.String(v)
		}
	case model.ColItemDesc:
		if raw != "" {
			row.ItemDesc = model.String(raw)
		}
	case model.ColItemIndex:
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			row.ItemIndex = &f
		}
	}
}

// parsePeriod reads an integer period (202301, or 202301.0 from spreadsheets)
// or a calendar date, which is reduced to YYYYMM.
func parsePeriod(v string) (int64, bool) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return int64(f), true
		}
		return 0, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return int64(t.Year()*100 + int(t.Month())), true
		}
	}
	return 0, false
}
