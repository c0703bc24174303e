package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/priceindex-cli/internal/discover"
	fetchermocks "github.com/sells-group/priceindex-cli/internal/fetcher/mocks"
	"github.com/sells-group/priceindex-cli/internal/ledger"
	"github.com/sells-group/priceindex-cli/internal/period"
)

const fileBase = "https://www.example.gov/file/"

type env struct {
	dirs       Dirs
	ledgerPath string
	normalizer *period.Normalizer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	n, err := period.NewNormalizer(0)
	require.NoError(t, err)
	return &env{
		dirs: Dirs{
			Download: root,
			Extract:  filepath.Join(root, "extracted_files"),
			Temp:     filepath.Join(root, "temp"),
		},
		ledgerPath: filepath.Join(root, ledger.FileName),
		normalizer: n,
	}
}

func (e *env) reconciler(t *testing.T, f *fetchermocks.MockFetcher) (*Reconciler, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(e.ledgerPath, []string{".zip"})
	require.NoError(t, err)
	return New(f, l, e.normalizer, e.dirs), l
}

func (e *env) candidates(names ...string) []discover.Candidate {
	out := make([]discover.Candidate, len(names))
	for i, n := range names {
		out[i] = discover.Candidate{URL: fileBase + n, Name: n, Key: e.normalizer.Normalize(n)}
	}
	return out
}

func zipBytes(t *testing.T, members ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, m := range members {
		fw, err := w.Create(m)
		require.NoError(t, err)
		_, err = fw.Write([]byte("INDEX_DATE,ITEM_ID\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// expectDownload serves content for name and fails the test on a second request.
func expectDownload(f *fetchermocks.MockFetcher, name string, content []byte) {
	f.EXPECT().DownloadToFile(mock.Anything, fileBase+name, mock.Anything).
		RunAndReturn(func(_ context.Context, _ string, dest string) (int64, error) {
			if err := os.WriteFile(dest, content, 0o644); err != nil {
				return 0, err
			}
			return int64(len(content)), nil
		}).Once()
}

func TestReconcile_YearlyArchiveCoversMonthlyAndQuarterly(t *testing.T) {
	e := newEnv(t)
	f := fetchermocks.NewMockFetcher(t)

	expectDownload(f, "upload-itemindices2023.zip", zipBytes(t,
		"2023/upload-itemindices202301.csv",
		"upload-itemindices202302.csv",
		"pricequotes2023q2.csv",
	))
	expectDownload(f, "upload-itemindices202303.csv", []byte("csv"))
	expectDownload(f, "upload-itemindices202401.csv", []byte("csv"))

	r, l := e.reconciler(t, f)
	res, err := r.Reconcile(context.Background(), e.candidates(
		"upload-itemindices202301.csv",
		"upload-itemindices202303.csv",
		"upload-itemindices2023q2.zip",
		"upload-itemindices202401.csv",
		"upload-itemindices2023.zip",
	))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Extracted)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.Fetches)
	assert.Equal(t, 3, res.YearlyMembers)
	assert.Equal(t, []string{"upload-itemindices202301.csv", "upload-itemindices2023q2.zip"}, res.SkippedFiles)

	m, ok := r.YearlyManifest(2023)
	require.True(t, ok)
	assert.True(t, m.Contains(period.Key{Kind: period.Monthly, Year: 2023, Month: 1}))

	assert.FileExists(t, filepath.Join(e.dirs.Extract, "upload-itemindices202301.csv"))
	assert.FileExists(t, filepath.Join(e.dirs.Download, "upload-itemindices202303.csv"))
	assert.NoFileExists(t, filepath.Join(e.dirs.Temp, "upload-itemindices2023.zip"))

	assert.True(t, l.HasArchive("upload-itemindices2023.zip"))
	assert.True(t, l.HasFile("upload-itemindices202303.csv"))
}

func TestReconcile_SecondRunFetchesNothing(t *testing.T) {
	e := newEnv(t)
	names := []string{
		"upload-itemindices2023.zip",
		"upload-itemindices202301.csv",
		"upload-itemindices202305.csv",
		"pricequotes2023q3.zip",
	}

	first := fetchermocks.NewMockFetcher(t)
	expectDownload(first, "upload-itemindices2023.zip", zipBytes(t, "upload-itemindices202301.csv"))
	expectDownload(first, "upload-itemindices202305.csv", []byte("csv"))
	expectDownload(first, "pricequotes2023q3.zip", zipBytes(t, "upload-itemindices202307.csv"))

	r1, _ := e.reconciler(t, first)
	res1, err := r1.Reconcile(context.Background(), e.candidates(names...))
	require.NoError(t, err)
	assert.Equal(t, 3, res1.Fetches)

	second := fetchermocks.NewMockFetcher(t)
	r2, _ := e.reconciler(t, second)
	res2, err := r2.Reconcile(context.Background(), e.candidates(names...))
	require.NoError(t, err)

	assert.Zero(t, res2.Fetches)
	assert.Zero(t, res2.Downloaded)
	assert.Zero(t, res2.Extracted)
	assert.Equal(t, len(names), res2.Skipped)
	second.AssertNotCalled(t, "DownloadToFile", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_QuarterlyArchiveCoversLaterMonths(t *testing.T) {
	e := newEnv(t)
	f := fetchermocks.NewMockFetcher(t)

	expectDownload(f, "upload-itemindices202210.csv", []byte("csv"))
	expectDownload(f, "pricequotes2022q4.zip", zipBytes(t,
		"upload-itemindices202210.csv",
		"upload-itemindices202211.csv",
	))
	expectDownload(f, "upload-itemindices202212.csv", []byte("csv"))

	r, _ := e.reconciler(t, f)
	res, err := r.Reconcile(context.Background(), e.candidates(
		"upload-itemindices202210.csv", // before the quarterly archive: fetched
		"pricequotes2022q4.zip",
		"upload-itemindices202211.csv", // covered by the quarterly archive
		"upload-itemindices202212.csv",
	))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 2, res.Extracted)
	assert.Equal(t, 2, res.QuarterlyMembers)
	assert.Equal(t, []string{"upload-itemindices202211.csv"}, res.SkippedFiles)
}

func TestReconcile_FailedArchiveIsNotCoverage(t *testing.T) {
	e := newEnv(t)
	f := fetchermocks.NewMockFetcher(t)

	f.EXPECT().DownloadToFile(mock.Anything, fileBase+"upload-itemindices2023.zip", mock.Anything).
		Return(int64(0), errors.New("connection reset")).Once()
	expectDownload(f, "upload-itemindices2022.zip", []byte("this is not a zip"))
	expectDownload(f, "upload-itemindices202301.csv", []byte("csv"))
	expectDownload(f, "upload-itemindices202201.csv", []byte("csv"))

	r, l := e.reconciler(t, f)
	res, err := r.Reconcile(context.Background(), e.candidates(
		"upload-itemindices2023.zip",
		"upload-itemindices2022.zip",
		"upload-itemindices202301.csv",
		"upload-itemindices202201.csv",
	))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Downloaded)
	assert.Zero(t, res.Skipped)
	assert.False(t, l.HasArchive("upload-itemindices2023.zip"))
	assert.False(t, l.HasArchive("upload-itemindices2022.zip"))
	assert.NoFileExists(t, filepath.Join(e.dirs.Temp, "upload-itemindices2022.zip"))

	_, ok := r.YearlyManifest(2022)
	assert.False(t, ok)
}

func TestReconcile_PartialExtractionCountsNothing(t *testing.T) {
	e := newEnv(t)
	f := fetchermocks.NewMockFetcher(t)

	// A directory in the way of the second member makes extraction fail midway.
	require.NoError(t, os.MkdirAll(filepath.Join(e.dirs.Extract, "upload-itemindices202302.csv"), 0o755))

	expectDownload(f, "upload-itemindices2023.zip", zipBytes(t,
		"upload-itemindices202301.csv",
		"upload-itemindices202302.csv",
	))
	expectDownload(f, "upload-itemindices202301.csv", []byte("csv"))

	r, l := e.reconciler(t, f)
	res, err := r.Reconcile(context.Background(), e.candidates(
		"upload-itemindices2023.zip",
		"upload-itemindices202301.csv",
	))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Extracted)
	assert.Zero(t, res.YearlyMembers)
	assert.Equal(t, 1, res.Downloaded)
	assert.False(t, l.HasArchive("upload-itemindices2023.zip"))
}

func TestReconcile_AdoptsFileAlreadyOnDisk(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.MkdirAll(e.dirs.Download, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.dirs.Download, "upload-itemindices202001.csv"), []byte("csv"), 0o644))

	f := fetchermocks.NewMockFetcher(t)
	r, l := e.reconciler(t, f)
	res, err := r.Reconcile(context.Background(), e.candidates("upload-itemindices202001.csv"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Fetches)
	assert.True(t, l.HasFile("upload-itemindices202001.csv"))
}

func TestReconcile_PlainDownloadFailure(t *testing.T) {
	e := newEnv(t)
	f := fetchermocks.NewMockFetcher(t)
	f.EXPECT().DownloadToFile(mock.Anything, fileBase+"upload-itemindices202001.csv", mock.Anything).
		Return(int64(0), errors.New("http 404")).Once()

	r, l := e.reconciler(t, f)
	res, err := r.Reconcile(context.Background(), e.candidates("upload-itemindices202001.csv"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.False(t, l.HasFile("upload-itemindices202001.csv"))
}

func TestReconcile_ContextCancelled(t *testing.T) {
	e := newEnv(t)
	f := fetchermocks.NewMockFetcher(t)
	r, _ := e.reconciler(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Reconcile(ctx, e.candidates("upload-itemindices202001.csv"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
