// Package archive fetches discovered files, unpacking archives and skipping
// individual files whose period an archive already delivered.
package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/priceindex-cli/internal/discover"
	"github.com/sells-group/priceindex-cli/internal/fetcher"
	"github.com/sells-group/priceindex-cli/internal/ledger"
	"github.com/sells-group/priceindex-cli/internal/period"
)

// Dirs are the directories the reconciler writes to.
type Dirs struct {
	// Download receives plain data files.
	Download string
	// Extract receives flattened archive members.
	Extract string
	// Temp holds archives while they are unpacked.
	Temp string
}

// Result summarises one reconciliation.
type Result struct {
	// Extracted counts member files written out of archives.
	Extracted int
	// Downloaded counts plain files fetched.
	Downloaded int
	// Skipped counts candidates not fetched (covered or already on record).
	Skipped int
	// Failed counts candidates whose fetch or extraction failed.
	Failed int
	// Fetches counts network downloads attempted.
	Fetches int

	SkippedFiles     []string
	DownloadedFiles  []string
	YearlyMembers    int
	QuarterlyMembers int
}

// Reconciler turns a candidate list into files on disk. Manifests live only
// for the lifetime of the Reconciler.
type Reconciler struct {
	fetcher    fetcher.Fetcher
	ledger     *ledger.Ledger
	normalizer *period.Normalizer
	dirs       Dirs

	yearly    map[int]*Manifest
	quarterly map[period.Key]*Manifest
}

// New creates a Reconciler.
func New(f fetcher.Fetcher, l *ledger.Ledger, n *period.Normalizer, dirs Dirs) *Reconciler {
	return &Reconciler{
		fetcher:    f,
		ledger:     l,
		normalizer: n,
		dirs:       dirs,
		yearly:     make(map[int]*Manifest),
		quarterly:  make(map[period.Key]*Manifest),
	}
}

// YearlyManifest returns the manifest recorded for year, if any.
func (r *Reconciler) YearlyManifest(year int) (*Manifest, bool) {
	m, ok := r.yearly[year]
	return m, ok
}

// Reconcile processes candidates in two phases. Yearly archives are fetched
// and surveyed first so that phase two can skip monthly and quarterly files
// they already contain. A failed archive is logged and abandoned; ledger write
// failures and context cancellation abort the run.
func (r *Reconciler) Reconcile(ctx context.Context, candidates []discover.Candidate) (*Result, error) {
	log := zap.L().With(zap.String("component", "archive"))

	for _, dir := range []string{r.dirs.Download, r.dirs.Extract, r.dirs.Temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "archive: create directory %s", dir)
		}
	}

	res := &Result{}
	var yearly, rest []discover.Candidate
	for _, c := range candidates {
		if c.Key.Kind == period.Yearly && r.ledger.IsArchive(c.Name) {
			yearly = append(yearly, c)
		} else {
			rest = append(rest, c)
		}
	}

	log.Info("checking yearly archives", zap.Int("count", len(yearly)))
	for _, c := range yearly {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if r.ledger.HasArchive(c.Name) {
			r.skip(res, c, "already processed")
			continue
		}
		m, err := r.processArchive(ctx, c, res)
		if err != nil {
			if isLedgerError(err) {
				return res, err
			}
			res.Failed++
			log.Error("abandoning yearly archive", zap.String("file", c.Name), zap.Error(err))
			continue
		}
		if prev, ok := r.yearly[c.Key.Year]; ok {
			prev.Merge(m)
		} else {
			r.yearly[c.Key.Year] = m
		}
		res.YearlyMembers += m.Len()
		log.Info("yearly archive extracted",
			zap.Int("year", c.Key.Year),
			zap.Int("quarterly", m.Count(CategoryQuarterly)),
			zap.Int("monthly", m.Count(CategoryMonthly)),
			zap.Int("other", m.Count(CategoryOther)),
		)
	}

	log.Info("processing remaining files", zap.Int("count", len(rest)))
	for _, c := range rest {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if reason, ok := r.covered(c.Key); ok {
			// Covered files are recorded so a rerun, which has no manifests,
			// does not fetch them.
			if err := r.record(c.Name); err != nil {
				return res, err
			}
			r.skip(res, c, reason)
			continue
		}

		if r.ledger.IsArchive(c.Name) {
			if r.ledger.HasArchive(c.Name) {
				r.skip(res, c, "already processed")
				continue
			}
			m, err := r.processArchive(ctx, c, res)
			if err != nil {
				if isLedgerError(err) {
					return res, err
				}
				res.Failed++
				log.Error("abandoning archive", zap.String("file", c.Name), zap.Error(err))
				continue
			}
			if c.Key.Kind == period.Quarterly {
				if prev, ok := r.quarterly[c.Key]; ok {
					prev.Merge(m)
				} else {
					r.quarterly[c.Key] = m
				}
				res.QuarterlyMembers += m.Len()
			}
			log.Info("archive extracted", zap.String("file", c.Name), zap.Int("members", m.Len()))
			continue
		}

		if err := r.processFile(ctx, c, res); err != nil {
			if isLedgerError(err) {
				return res, err
			}
			res.Failed++
			log.Warn("download failed", zap.String("file", c.Name), zap.Error(err))
		}
	}

	log.Info("file processing complete",
		zap.Int("extracted", res.Extracted),
		zap.Int("downloaded", res.Downloaded),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// ledgerError is a failure to persist the ledger. It aborts the run.
type ledgerError struct{ err error }

func (e *ledgerError) Error() string { return "archive: update ledger: " + e.err.Error() }
func (e *ledgerError) Unwrap() error { return e.err }

func isLedgerError(err error) bool {
	var le *ledgerError
	return errors.As(err, &le)
}

// covered reports whether a yearly manifest, or for months a quarterly
// manifest recorded earlier in this run, already delivers the period.
func (r *Reconciler) covered(k period.Key) (string, bool) {
	if !k.IsPeriodic() {
		return "", false
	}
	if m, ok := r.YearlyManifest(k.Year); ok && m.Contains(k) {
		return "in yearly archive", true
	}
	if k.Kind == period.Monthly {
		for _, m := range r.quarterly {
			if m.Key.Year == k.Year && m.Contains(k) {
				return "in quarterly archive", true
			}
		}
	}
	return "", false
}

func (r *Reconciler) record(name string) error {
	var err error
	if r.ledger.IsArchive(name) {
		err = r.ledger.MarkArchive(name)
	} else {
		err = r.ledger.MarkFile(name)
	}
	if err != nil {
		return &ledgerError{err: err}
	}
	return nil
}

func (r *Reconciler) skip(res *Result, c discover.Candidate, reason string) {
	res.Skipped++
	res.SkippedFiles = append(res.SkippedFiles, c.Name)
	zap.L().Debug("skipping file",
		zap.String("component", "archive"),
		zap.String("file", c.Name),
		zap.String("reason", reason),
	)
}

// processArchive downloads an archive to the temp dir, surveys and extracts it,
// then marks it processed. The temp copy is always removed.
func (r *Reconciler) processArchive(ctx context.Context, c discover.Candidate, res *Result) (*Manifest, error) {
	tmp := filepath.Join(r.dirs.Temp, c.Name)
	defer os.Remove(tmp) //nolint:errcheck

	res.Fetches++
	if _, err := r.fetcher.DownloadToFile(ctx, c.URL, tmp); err != nil {
		return nil, eris.Wrapf(err, "archive: download %s", c.Name)
	}

	names, err := fetcher.ListZIP(tmp)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: list %s", c.Name)
	}
	files, err := fetcher.ExtractZIPFlat(tmp, r.dirs.Extract)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: extract %s", c.Name)
	}
	res.Extracted += len(files)

	if err := r.ledger.MarkArchive(c.Name); err != nil {
		return nil, &ledgerError{err: err}
	}
	return BuildManifest(c.Key, names, r.normalizer), nil
}

// processFile downloads a plain file unless the ledger lists it or it is
// already on disk, in which case it is adopted into the ledger.
func (r *Reconciler) processFile(ctx context.Context, c discover.Candidate, res *Result) error {
	if r.ledger.HasFile(c.Name) {
		r.skip(res, c, "already downloaded")
		return nil
	}
	dest := filepath.Join(r.dirs.Download, c.Name)
	if _, err := os.Stat(dest); err == nil {
		if err := r.ledger.MarkFile(c.Name); err != nil {
			return &ledgerError{err: err}
		}
		r.skip(res, c, "already on disk")
		return nil
	}

	res.Fetches++
	if _, err := r.fetcher.DownloadToFile(ctx, c.URL, dest); err != nil {
		return eris.Wrapf(err, "archive: download %s", c.Name)
	}
	if err := r.ledger.MarkFile(c.Name); err != nil {
		return &ledgerError{err: err}
	}
	res.Downloaded++
	res.DownloadedFiles = append(res.DownloadedFiles, c.Name)
	return nil
}
