// Package ingest wires discovery, reconciliation, standardization, validation
// and storage into the fetch, process and run commands.
package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/priceindex-cli/internal/archive"
	"github.com/sells-group/priceindex-cli/internal/discover"
	"github.com/sells-group/priceindex-cli/internal/fetcher"
	"github.com/sells-group/priceindex-cli/internal/ledger"
	"github.com/sells-group/priceindex-cli/internal/period"
	"github.com/sells-group/priceindex-cli/internal/standardize"
	"github.com/sells-group/priceindex-cli/internal/store"
	"github.com/sells-group/priceindex-cli/internal/validate"
)

// Directory names under the data dir.
const (
	ExtractDirName = "extracted_files"
	TempDirName    = "temp"
)

// ErrNoValidFiles is returned by Process when no source file could be read.
var ErrNoValidFiles = errors.New("ingest: no valid data files found")

// Options configures an Engine.
type Options struct {
	DataDir             string
	ReportDir           string
	AllowZeroIndex      bool
	NormalizerCacheSize int
}

// ProcessOptions configures one Process call.
type ProcessOptions struct {
	// DryRun validates without touching the database.
	DryRun bool
	// NoReport skips writing the problem report.
	NoReport bool
}

// FetchSummary reports what a fetch did.
type FetchSummary struct {
	PrimaryLinks     int `json:"primary_links" yaml:"primary_links"`
	PreviousLinks    int `json:"previous_links" yaml:"previous_links"`
	YearlyMembers    int `json:"yearly_members" yaml:"yearly_members"`
	QuarterlyMembers int `json:"quarterly_members" yaml:"quarterly_members"`
	Extracted        int `json:"extracted" yaml:"extracted"`
	Downloaded       int `json:"downloaded" yaml:"downloaded"`
	Skipped          int `json:"skipped" yaml:"skipped"`
	Failed           int `json:"failed" yaml:"failed"`
	Fetches          int `json:"fetches" yaml:"fetches"`
	// CachedPeriods is the number of file names the period normalizer holds.
	CachedPeriods int `json:"cached_periods" yaml:"cached_periods"`
	// RequestInterval is the request spacing at the end of the fetch, after
	// any rate-limit slowdowns.
	RequestInterval time.Duration `json:"request_interval,omitempty" yaml:"request_interval,omitempty"`
}

// pacedFetcher is a Fetcher that exposes its request pacer.
type pacedFetcher interface {
	Pacer() *fetcher.Pacer
}

// ProcessSummary reports what a process step did.
type ProcessSummary struct {
	Files          int                 `json:"files" yaml:"files"`
	Succeeded      int                 `json:"succeeded" yaml:"succeeded"`
	Failed         int                 `json:"failed" yaml:"failed"`
	TotalRows      int                 `json:"total_rows" yaml:"total_rows"`
	RowsRetained   int                 `json:"rows_retained" yaml:"rows_retained"`
	SkippedRecords int                 `json:"skipped_records" yaml:"skipped_records"`
	InvalidRows    map[string]int      `json:"invalid_rows,omitempty" yaml:"invalid_rows,omitempty"`
	ReportFiles    []string            `json:"report_files,omitempty" yaml:"report_files,omitempty"`
	Upsert         *store.UpsertResult `json:"upsert,omitempty" yaml:"upsert,omitempty"`
}

// RunSummary combines both steps.
type RunSummary struct {
	RunID   string          `json:"run_id" yaml:"run_id"`
	Fetch   *FetchSummary   `json:"fetch" yaml:"fetch"`
	Process *ProcessSummary `json:"process" yaml:"process"`
}

// Engine runs the ingestion steps for one source.
type Engine struct {
	source  Source
	fetcher fetcher.Fetcher
	manager *store.Manager
	runs    store.RunLog
	opts    Options
	now     func() time.Time
}

// NewEngine creates an Engine. manager and runs may be nil for fetch-only use.
func NewEngine(src Source, f fetcher.Fetcher, manager *store.Manager, runs store.RunLog, opts Options) *Engine {
	if opts.ReportDir == "" {
		opts.ReportDir = filepath.Join(opts.DataDir, "validation_problems")
	}
	return &Engine{
		source:  src,
		fetcher: f,
		manager: manager,
		runs:    runs,
		opts:    opts,
		now:     time.Now,
	}
}

// Dirs returns the on-disk layout under the data dir.
func (e *Engine) Dirs() archive.Dirs {
	return archive.Dirs{
		Download: e.opts.DataDir,
		Extract:  filepath.Join(e.opts.DataDir, ExtractDirName),
		Temp:     filepath.Join(e.opts.DataDir, TempDirName),
	}
}

// LedgerPath is where the ingestion ledger is kept.
func (e *Engine) LedgerPath() string {
	return filepath.Join(e.opts.DataDir, ledger.FileName)
}

// Fetch discovers the source's files and brings the data dir up to date.
func (e *Engine) Fetch(ctx context.Context) (*FetchSummary, error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("source", e.source.Name))

	listing, err := e.source.Listing()
	if err != nil {
		return nil, err
	}

	dirs := e.Dirs()
	for _, dir := range []string{dirs.Download, dirs.Extract, dirs.Temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "ingest: create directory %s", dir)
		}
	}

	l, err := ledger.Open(e.LedgerPath(), e.source.ArchiveExtensions)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open ledger")
	}
	log.Info("opened ledger", zap.String("path", l.Path()), zap.Int("entries", l.Len()))

	n, err := period.NewNormalizer(e.opts.NormalizerCacheSize)
	if err != nil {
		return nil, err
	}

	log.Info("collecting data links", zap.String("listing_url", listing))
	candidates, err := discover.New(e.fetcher, n, e.source.Discover).Discover(ctx, listing)
	if err != nil {
		return nil, err
	}

	sum := &FetchSummary{}
	for _, c := range candidates {
		if c.FromPrevious {
			sum.PreviousLinks++
		} else {
			sum.PrimaryLinks++
		}
	}

	log.Info("processing data links", zap.Int("count", len(candidates)))
	res, err := archive.New(e.fetcher, l, n, dirs).Reconcile(ctx, candidates)
	e.cleanupTemp(log, dirs.Temp)
	if res != nil {
		sum.YearlyMembers = res.YearlyMembers
		sum.QuarterlyMembers = res.QuarterlyMembers
		sum.Extracted = res.Extracted
		sum.Downloaded = res.Downloaded
		sum.Skipped = res.Skipped
		sum.Failed = res.Failed
		sum.Fetches = res.Fetches
	}
	sum.CachedPeriods = n.Len()
	if p, ok := e.fetcher.(pacedFetcher); ok {
		sum.RequestInterval = p.Pacer().Interval()
	}
	if err != nil {
		return sum, err
	}

	log.Info("fetch summary",
		zap.Int("total_links", sum.PrimaryLinks+sum.PreviousLinks),
		zap.Int("from_main_page", sum.PrimaryLinks),
		zap.Int("from_previous_versions", sum.PreviousLinks),
		zap.Int("extracted_from_yearly_archives", sum.YearlyMembers),
		zap.Int("extracted_from_quarterly_archives", sum.QuarterlyMembers),
		zap.Int("individual_files_downloaded", sum.Downloaded),
		zap.Int("files_skipped", sum.Skipped),
		zap.Int("files_failed", sum.Failed),
		zap.Int("total_unique_files", sum.YearlyMembers+sum.QuarterlyMembers+sum.Downloaded),
		zap.Int("cached_periods", sum.CachedPeriods),
		zap.Duration("request_interval", sum.RequestInterval),
	)
	return sum, nil
}

// cleanupTemp removes the temp dir only when it is empty.
func (e *Engine) cleanupTemp(log *zap.Logger, dir string) {
	if err := os.Remove(dir); err != nil {
		if !os.IsNotExist(err) {
			log.Info("temporary directory not empty, keeping it", zap.String("dir", dir))
		}
		return
	}
	log.Debug("temporary directory removed", zap.String("dir", dir))
}

// Process standardizes every data file under the data dir, validates the rows,
// writes the problem report, and upserts the survivors.
func (e *Engine) Process(ctx context.Context, opts ProcessOptions) (*ProcessSummary, error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("source", e.source.Name))
	log.Info("standardizing data files",
		zap.String("dir", e.opts.DataDir),
		zap.Strings("columns", e.source.Mapping.Sources()),
	)

	batch, err := standardize.New(e.source.Mapping, e.source.DataExtensions).StandardizeDir(e.opts.DataDir)
	if err != nil {
		return nil, err
	}
	log.Info("standardized data files",
		zap.Int("files", batch.Files),
		zap.Int("succeeded", batch.Succeeded),
		zap.Int("rows", len(batch.Rows)),
	)

	engine := validate.NewEngine(e.source.Rules(e.opts.AllowZeroIndex), e.source.DuplicateKeys)
	valid, results := engine.Validate(batch.Rows)
	results.TotalFiles = batch.Files
	results.SuccessfulFiles = batch.Succeeded
	results.SkippedRecords = batch.Skipped
	for _, fe := range batch.Failed {
		results.AddFileError(fe.Path, fe.Err)
	}

	sum := &ProcessSummary{
		Files:          results.TotalFiles,
		Succeeded:      results.SuccessfulFiles,
		Failed:         len(results.FailedFiles),
		TotalRows:      results.TotalRows,
		RowsRetained:   results.RowsRetained,
		SkippedRecords: results.SkippedRecords,
		InvalidRows:    results.InvalidRows(),
	}
	results.LogSummary()

	if !opts.NoReport {
		files, err := results.SaveReport(e.opts.ReportDir, e.now())
		if err != nil {
			return sum, err
		}
		sum.ReportFiles = files
	}

	if batch.Succeeded == 0 {
		return sum, eris.Wrapf(ErrNoValidFiles, "ingest: %s", e.opts.DataDir)
	}

	if opts.DryRun {
		log.Info("dry run, skipping database upsert", zap.Int("rows", len(valid)))
		return sum, nil
	}
	if e.manager == nil {
		return sum, eris.New("ingest: process: no store configured")
	}

	if err := e.manager.Setup(ctx); err != nil {
		return sum, err
	}
	up, err := e.manager.Upsert(ctx, valid)
	if err != nil {
		return sum, err
	}
	sum.Upsert = up
	return sum, nil
}

// Run fetches then processes, recording the attempt in the run log.
func (e *Engine) Run(ctx context.Context, opts ProcessOptions) (*RunSummary, error) {
	return e.Track(ctx, "run", func(ctx context.Context, sum *RunSummary) error {
		f, err := e.Fetch(ctx)
		sum.Fetch = f
		if err != nil {
			return err
		}
		p, err := e.Process(ctx, opts)
		sum.Process = p
		return err
	})
}

// Track records fn under command in the run log. A failure is recorded and
// returned.
func (e *Engine) Track(ctx context.Context, command string, fn func(ctx context.Context, sum *RunSummary) error) (*RunSummary, error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("command", command))
	sum := &RunSummary{}

	if e.runs == nil {
		return sum, fn(ctx, sum)
	}

	last, err := e.runs.LastSuccess(ctx, command)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read run log for %s", command)
	}
	if last != nil {
		log.Info("last successful run", zap.Time("started_at", *last), zap.Duration("age", e.now().Sub(*last)))
	} else {
		log.Info("no previous successful run")
	}

	id, err := e.runs.Start(ctx, command)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: start run log for %s", command)
	}
	sum.RunID = id

	start := time.Now()
	if err := fn(ctx, sum); err != nil {
		log.Error("run failed", zap.String("run_id", id), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		// The run context may be cancelled; the failure must still be recorded.
		if logErr := e.runs.Fail(context.WithoutCancel(ctx), id, err.Error()); logErr != nil {
			log.Error("failed to record run failure", zap.Error(logErr))
		}
		return sum, err
	}

	if err := e.runs.Complete(ctx, id, sum.stats()); err != nil {
		return sum, eris.Wrapf(err, "ingest: complete run log for %s", command)
	}
	log.Info("run complete", zap.String("run_id", id), zap.Duration("elapsed", time.Since(start)))
	return sum, nil
}

func (s *RunSummary) stats() map[string]any {
	out := map[string]any{}
	if f := s.Fetch; f != nil {
		out["links"] = f.PrimaryLinks + f.PreviousLinks
		out["downloaded"] = f.Downloaded
		out["extracted"] = f.Extracted
		out["skipped"] = f.Skipped
		out["failed"] = f.Failed
	}
	if p := s.Process; p != nil {
		out["files"] = p.Files
		out["files_failed"] = p.Failed
		out["rows_retained"] = p.RowsRetained
		if p.Upsert != nil {
			out["measurements_inserted"] = p.Upsert.MeasurementsInserted
			out["entities_inserted"] = p.Upsert.EntitiesInserted
		}
	}
	return out
}
