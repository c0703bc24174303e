package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/priceindex-cli/internal/fetcher"
	"github.com/sells-group/priceindex-cli/internal/ledger"
	"github.com/sells-group/priceindex-cli/internal/model"
	"github.com/sells-group/priceindex-cli/internal/store"
	"github.com/sells-group/priceindex-cli/internal/validate"
)

const csvHeader = "INDEX_DATE,ITEM_ID,ITEM_DESC,ALL_GM_INDEX\n"

const listingPage = `<html><body>
<a href="/files/upload-itemindices2023.zip">2023 archive</a>
<a href="/files/upload-itemindices202301.csv">January 2023</a>
<a href="/files/upload-itemindices202401.csv">January 2024</a>
<a href="/files/glossary.pdf">Glossary</a>
<a href="/economy/itemindices/previousversions">Previous versions</a>
</body></html>`

const previousPage = `<html><body>
<a href="/files/upload-itemindices202401.csv">January 2024</a>
<a href="/files/upload-itemindices202402.csv">February 2024</a>
</body></html>`

type site struct {
	server       *httptest.Server
	fileRequests atomic.Int64
}

func yearlyZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	members := map[string]string{
		"2023/upload-itemindices202301.csv": csvHeader + "202301,A,Apples,100.5\n202301,B,Bread,99\n",
		"upload-itemindices202302.csv":      csvHeader + "202302,A,Apples,101\n202302,B, ,98\n",
	}
	for _, name := range []string{"2023/upload-itemindices202301.csv", "upload-itemindices202302.csv"} {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(members[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	files := map[string][]byte{
		"/files/upload-itemindices2023.zip":   yearlyZip(t),
		"/files/upload-itemindices202301.csv": []byte(csvHeader + "202301,A,Apples,1\n"),
		"/files/upload-itemindices202401.csv": []byte(csvHeader + "202401,A,Apples,102\n202401,A,Apples,102\n"),
		"/files/upload-itemindices202402.csv": []byte(csvHeader + "202402,C,Cheese,-1\n202402,C,Cheese,110\n"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage))
	})
	mux.HandleFunc("/economy/itemindices/previousversions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(previousPage))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.fileRequests.Add(1)
		_, _ = w.Write(body)
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func testSource(baseURL string) Source {
	return ONSItemIndices().WithOverrides(baseURL, "/listing")
}

func testFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{RequestsPerPeriod: 1000, Period: time.Second})
}

func newTestEngine(t *testing.T, baseURL string, withStore bool) (*Engine, *store.SQLiteDialect, string) {
	t.Helper()
	dataDir := filepath.Join(t.TempDir(), "data")
	var (
		mgr *store.Manager
		db  *store.SQLiteDialect
		rl  store.RunLog
	)
	if withStore {
		var err error
		db, err = store.NewSQLite(filepath.Join(t.TempDir(), "cpi.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() }) //nolint:errcheck
		require.NoError(t, db.Migrate(context.Background()))
		mgr = store.NewManager(db, store.ONSSchema())
		rl = db
	}
	e := NewEngine(testSource(baseURL), testFetcher(), mgr, rl, Options{
		DataDir:        dataDir,
		AllowZeroIndex: true,
	})
	e.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	return e, db, dataDir
}

func TestLookupSource(t *testing.T) {
	src, err := LookupSource(SourceONSItemIndices)
	require.NoError(t, err)
	assert.Equal(t, []string{"upload-itemindices", "/itemindices"}, src.Discover.SearchTerms)
	assert.Equal(t, "items", src.Schema.EntityTable)

	_, err = LookupSource("bls_cpi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown source "bls_cpi"`)
}

func TestSource_Listing(t *testing.T) {
	got, err := ONSItemIndices().Listing()
	require.NoError(t, err)
	assert.Contains(t, got, "https://www.ons.gov.uk/economy/")

	got, err = ONSItemIndices().WithOverrides("http://mirror.local", "/datasets/itemindices").Listing()
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.local/datasets/itemindices", got)

	_, err = Source{ListingURL: "/x"}.Listing()
	require.Error(t, err)
}

func TestEngine_Fetch(t *testing.T) {
	s := newSite(t)
	e, _, dataDir := newTestEngine(t, s.server.URL, false)

	sum, err := e.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.PrimaryLinks)
	assert.Equal(t, 1, sum.PreviousLinks)
	assert.Equal(t, 2, sum.YearlyMembers)
	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, 1, sum.Skipped, "January 2023 is inside the yearly archive")
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, int64(3), s.fileRequests.Load())
	assert.Positive(t, sum.CachedPeriods)
	assert.Equal(t, time.Millisecond, sum.RequestInterval, "no rate limiting, spacing unchanged")

	for _, p := range []string{
		filepath.Join(dataDir, ExtractDirName, "upload-itemindices202301.csv"),
		filepath.Join(dataDir, ExtractDirName, "upload-itemindices202302.csv"),
		filepath.Join(dataDir, "upload-itemindices202401.csv"),
		filepath.Join(dataDir, "upload-itemindices202402.csv"),
	} {
		assert.FileExists(t, p)
	}
	assert.NoFileExists(t, filepath.Join(dataDir, "upload-itemindices202301.csv"))
	assert.NoDirExists(t, filepath.Join(dataDir, TempDirName), "empty temp dir is removed")

	l, err := ledger.Open(e.LedgerPath(), []string{".zip"})
	require.NoError(t, err)
	assert.True(t, l.HasArchive("upload-itemindices2023.zip"))
	assert.True(t, l.HasFile("upload-itemindices202402.csv"))
}

func TestEngine_Fetch_SecondRunDownloadsNothing(t *testing.T) {
	s := newSite(t)
	e, _, _ := newTestEngine(t, s.server.URL, false)

	_, err := e.Fetch(context.Background())
	require.NoError(t, err)
	before := s.fileRequests.Load()

	sum, err := e.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, s.fileRequests.Load())
	assert.Equal(t, 0, sum.Downloaded)
	assert.Equal(t, 0, sum.Fetches)
}

func TestEngine_Fetch_ListingUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	e, _, _ := newTestEngine(t, srv.URL, false)

	_, err := e.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discover: fetch listing page")
}

func TestEngine_Fetch_KeepsNonEmptyTempDir(t *testing.T) {
	s := newSite(t)
	e, _, _ := newTestEngine(t, s.server.URL, false)

	tmp := e.Dirs().Temp
	require.NoError(t, os.MkdirAll(tmp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "stray.part"), []byte("x"), 0o644))

	_, err := e.Fetch(context.Background())
	require.NoError(t, err)
	assert.DirExists(t, tmp)
}

func TestEngine_Process(t *testing.T) {
	s := newSite(t)
	e, db, dataDir := newTestEngine(t, s.server.URL, true)
	ctx := context.Background()

	_, err := e.Fetch(ctx)
	require.NoError(t, err)

	sum, err := e.Process(ctx, ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Files)
	assert.Equal(t, 4, sum.Succeeded)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 8, sum.TotalRows)
	assert.Equal(t, 5, sum.RowsRetained)
	assert.Equal(t, 1, sum.InvalidRows[validate.ReasonBlankDesc])
	assert.Equal(t, 1, sum.InvalidRows[validate.ReasonInvalidIndex])
	assert.Equal(t, 1, sum.InvalidRows[validate.ReasonDuplicateEntries])
	require.Len(t, sum.ReportFiles, 1)
	assert.Contains(t, filepath.Base(sum.ReportFiles[0]), "validation_problems_2024-03-01_093000")
	assert.Equal(t, filepath.Join(dataDir, "validation_problems"), filepath.Dir(sum.ReportFiles[0]))

	require.NotNil(t, sum.Upsert)
	assert.Equal(t, int64(3), sum.Upsert.EntitiesInserted)
	assert.Equal(t, int64(5), sum.Upsert.MeasurementsInserted)

	n, err := db.Count(ctx, "cpi_data")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// Processing the same files again changes nothing.
	sum, err = e.Process(ctx, ProcessOptions{NoReport: true})
	require.NoError(t, err)
	assert.Empty(t, sum.ReportFiles)
	assert.Equal(t, int64(0), sum.Upsert.MeasurementsInserted)
	assert.Equal(t, int64(0), sum.Upsert.EntitiesInserted)
}

func TestEngine_Process_DryRun(t *testing.T) {
	_, _, dataDir := newTestEngine(t, "http://unused", false)
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "upload-itemindices202301.csv"),
		[]byte(csvHeader+"202301,A,Apples,100\n"), 0o644))

	e := NewEngine(testSource("http://unused"), nil, nil, nil, Options{DataDir: dataDir})
	sum, err := e.Process(context.Background(), ProcessOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RowsRetained)
	assert.Nil(t, sum.Upsert)
	assert.Empty(t, sum.ReportFiles)
}

func TestEngine_Process_NoValidFiles(t *testing.T) {
	e, _, dataDir := newTestEngine(t, "http://unused", true)
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "upload-itemindices202301.csv"),
		[]byte("SOMETHING,ELSE\n1,2\n"), 0o644))

	sum, err := e.Process(context.Background(), ProcessOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid data files found")
	require.NotNil(t, sum)
	assert.Equal(t, 1, sum.Failed)

	// File errors are still reported.
	require.Len(t, sum.ReportFiles, 1)
	assert.Contains(t, filepath.Base(sum.ReportFiles[0]), "file_errors_")
}

func TestEngine_Run_RecordsSuccess(t *testing.T) {
	s := newSite(t)
	e, db, _ := newTestEngine(t, s.server.URL, true)
	ctx := context.Background()

	sum, err := e.Run(ctx, ProcessOptions{NoReport: true})
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	require.NotNil(t, sum.Fetch)
	require.NotNil(t, sum.Process)

	runs, err := db.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sum.RunID, runs[0].ID)
	assert.Equal(t, "run", runs[0].Command)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.EqualValues(t, 5, runs[0].Stats["rows_retained"])

	last, err := db.LastSuccess(ctx, "run")
	require.NoError(t, err)
	assert.NotNil(t, last)
}

func TestEngine_Run_RecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	e, db, _ := newTestEngine(t, srv.URL, true)
	ctx := context.Background()

	_, err := e.Run(ctx, ProcessOptions{})
	require.Error(t, err)

	runs, err := db.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "discover: fetch listing page")
}

func TestEngine_Track_ReadsLastSuccessFirst(t *testing.T) {
	e, db, _ := newTestEngine(t, "http://unused", true)
	ctx := context.Background()

	calls := 0
	work := func(context.Context, *RunSummary) error {
		calls++
		return nil
	}

	_, err := e.Track(ctx, "process", work)
	require.NoError(t, err)
	_, err = e.Track(ctx, "process", work)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	require.NoError(t, db.Close())
	_, err = e.Track(ctx, "process", work)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: read run log for process")
	assert.Equal(t, 2, calls, "work does not start when the run log is unreadable")
}
