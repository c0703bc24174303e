package validate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/priceindex-cli/internal/model"
)

// reportTimeFormat stamps problem report file names.
const reportTimeFormat = "2006-01-02_150405"

// FileFailure is a source file excluded from processing.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ProblemGroup is every row rejected for one reason.
type ProblemGroup struct {
	Reason string
	Rows   []model.Row
}

// Results counts the outcome of a processing run.
type Results struct {
	TotalFiles      int
	SuccessfulFiles int
	FailedFiles     []FileFailure
	TotalRows       int
	RowsRetained    int
	// SkippedRecords counts raw records the parsers could not interpret.
	SkippedRecords int

	problems map[string][]model.Row
	order    []string
}

// NewResults returns empty Results.
func NewResults() *Results {
	return &Results{problems: make(map[string][]model.Row)}
}

// AddFileError records a file that could not be processed.
func (r *Results) AddFileError(path, msg string) {
	r.FailedFiles = append(r.FailedFiles, FileFailure{Path: path, Error: msg})
}

// AddProblem records rows rejected for reason.
func (r *Results) AddProblem(reason string, rows ...model.Row) {
	if len(rows) == 0 {
		return
	}
	if _, ok := r.problems[reason]; !ok {
		r.order = append(r.order, reason)
	}
	r.problems[reason] = append(r.problems[reason], rows...)
}

// Problems returns rejected rows grouped by reason, in the order reasons were
// first seen.
func (r *Results) Problems() []ProblemGroup {
	out := make([]ProblemGroup, 0, len(r.order))
	for _, reason := range r.order {
		out = append(out, ProblemGroup{Reason: reason, Rows: r.problems[reason]})
	}
	return out
}

// InvalidRows returns the number of rejected rows per reason.
func (r *Results) InvalidRows() map[string]int {
	out := make(map[string]int, len(r.problems))
	for reason, rows := range r.problems {
		out[reason] = len(rows)
	}
	return out
}

// HasReport reports whether there is anything to write to a problem report.
func (r *Results) HasReport() bool {
	return len(r.FailedFiles) > 0 || len(r.order) > 0
}

// LogSummary writes the processing summary to the global logger.
func (r *Results) LogSummary() {
	log := zap.L().With(zap.String("component", "validate"))

	log.Info("processing summary",
		zap.Int("files_processed", r.TotalFiles),
		zap.Int("files_succeeded", r.SuccessfulFiles),
		zap.Int("files_failed", len(r.FailedFiles)),
		zap.Int("total_rows", r.TotalRows),
		zap.Int("rows_retained", r.RowsRetained),
		zap.Int("skipped_records", r.SkippedRecords),
	)
	for _, f := range r.FailedFiles {
		log.Info("file error", zap.String("file", f.Path), zap.String("error", f.Error))
	}
	for _, g := range r.Problems() {
		log.Info("validation issue", zap.String("reason", g.Reason), zap.Int("rows", len(g.Rows)))
	}
}

type problemRecord struct {
	Reason     string         `json:"reason"`
	SourceFile string         `json:"source_file"`
	Row        map[string]any `json:"row"`
}

// SaveReport writes file_errors_<ts>.json and validation_problems_<ts>.json
// into dir, each only when it has content. It returns the paths written.
func (r *Results) SaveReport(dir string, now time.Time) ([]string, error) {
	if !r.HasReport() {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "validate: create report dir %s", dir)
	}
	ts := now.Format(reportTimeFormat)

	var written []string
	if len(r.FailedFiles) > 0 {
		path := filepath.Join(dir, "file_errors_"+ts+".json")
		if err := writeJSON(path, r.FailedFiles); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if len(r.order) > 0 {
		var records []problemRecord
		for _, g := range r.Problems() {
			for i := range g.Rows {
				records = append(records, problemRecord{
					Reason:     g.Reason,
					SourceFile: g.Rows[i].SourceFile,
					Row:        g.Rows[i].Fields(),
				})
			}
		}
		path := filepath.Join(dir, "validation_problems_"+ts+".json")
		if err := writeJSON(path, records); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	zap.L().Info("saved problem report",
		zap.String("component", "validate"),
		zap.Strings("files", written),
	)
	return written, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "validate: marshal report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "validate: write %s", path)
	}
	return nil
}
