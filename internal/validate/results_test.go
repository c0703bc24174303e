package validate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reportTime = time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

func TestSaveReport(t *testing.T) {
	res := NewResults()
	res.AddFileError("data/bad.csv", "missing required columns: [ITEM_DESC]")
	res.AddProblem(ReasonInvalidMonth, row(202300, "A", "x", 1))
	res.AddProblem(ReasonDuplicateEntries, row(202301, "B", "y", 2), row(202301, "B", "z", 3))

	dir := filepath.Join(t.TempDir(), "validation_problems")
	written, err := res.SaveReport(dir, reportTime)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "file_errors_2024-03-05_140709.json"),
		filepath.Join(dir, "validation_problems_2024-03-05_140709.json"),
	}, written)

	var failures []FileFailure
	data, err := os.ReadFile(written[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &failures))
	assert.Equal(t, []FileFailure{{Path: "data/bad.csv", Error: "missing required columns: [ITEM_DESC]"}}, failures)

	var problems []map[string]any
	data, err = os.ReadFile(written[1])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &problems))
	require.Len(t, problems, 3)
	assert.Equal(t, ReasonInvalidMonth, problems[0]["reason"])
	assert.Equal(t, "test.csv", problems[0]["source_file"])
	r0 := problems[0]["row"].(map[string]any)
	assert.Equal(t, float64(202300), r0["date"])
	assert.Equal(t, "A", r0["item_id"])
	assert.Equal(t, ReasonDuplicateEntries, problems[2]["reason"])
}

func TestSaveReport_NothingToWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	written, err := NewResults().SaveReport(dir, reportTime)
	require.NoError(t, err)
	assert.Empty(t, written)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveReport_OnlyProblems(t *testing.T) {
	res := NewResults()
	res.AddProblem(ReasonMissingItemID, row(202301, "", "x", 1))

	written, err := res.SaveReport(t.TempDir(), reportTime)
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Contains(t, written[0], "validation_problems_")
}

func TestResults_AddProblemEmpty(t *testing.T) {
	res := NewResults()
	res.AddProblem(ReasonInvalidMonth)
	assert.False(t, res.HasReport())
	assert.Empty(t, res.Problems())
}

func TestResults_LogSummary(t *testing.T) {
	res := NewResults()
	res.TotalFiles = 2
	res.AddFileError("a.csv", "boom")
	res.AddProblem(ReasonInvalidIndex, row(202301, "A", "x", -1))
	assert.NotPanics(t, res.LogSummary)
}
