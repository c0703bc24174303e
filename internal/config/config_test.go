package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "priceindex.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "ons_item_indices", cfg.Ingest.Source)
	assert.Empty(t, cfg.Ingest.ListingURL)
	assert.Equal(t, "data", cfg.Ingest.DataDir)
	assert.Empty(t, cfg.Ingest.ReportDir, "reports follow the data dir unless set")
	assert.Equal(t, "priceindex-cli/1.0", cfg.Ingest.UserAgent)
	assert.Equal(t, 5, cfg.Ingest.RequestsPerPeriod)
	assert.Equal(t, 10*time.Second, cfg.Ingest.Period())
	assert.Equal(t, 3, cfg.Ingest.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Ingest.RateLimitWait())
	assert.Equal(t, 8, cfg.Ingest.MaxRateLimitWaits)
	assert.Equal(t, time.Duration(0), cfg.Ingest.Timeout())
	assert.Equal(t, 1000, cfg.Ingest.NormalizerCacheSize)
	assert.True(t, cfg.Validation.AllowZeroIndex)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/cpi
log:
  level: debug
  format: console
server:
  port: 9090
ingest:
  data_dir: /var/lib/priceindex
  requests_per_period: 2
validation:
  allow_zero_index: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/cpi", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/priceindex", cfg.Ingest.DataDir)
	assert.Equal(t, 2, cfg.Ingest.RequestsPerPeriod)
	assert.False(t, cfg.Validation.AllowZeroIndex)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Ingest.MaxRetries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("PRICEINDEX_STORE_DRIVER", "postgres")
	t.Setenv("PRICEINDEX_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PRICEINDEX_SERVER_PORT", "3000")
	t.Setenv("PRICEINDEX_INGEST_MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Ingest.MaxRetries)
}

func TestLoadReportDirFollowsDataDir(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PRICEINDEX_INGEST_DATA_DIR", "/srv/cpi")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/cpi", cfg.Ingest.DataDir)
	assert.Empty(t, cfg.Ingest.ReportDir)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [\n"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Store:  StoreConfig{Driver: "mysql"},
		Ingest: IngestConfig{MaxRetries: -1},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "ingest.data_dir is required")
	assert.Contains(t, err.Error(), "ingest.max_retries must not be negative")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
