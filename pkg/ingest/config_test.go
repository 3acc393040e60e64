package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromReaderDefaults(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	t.Setenv(EnvIndexURL, "")
	t.Setenv(EnvDownloadDir, "")
	t.Setenv(EnvStorePath, "")

	cfg, err := LoadConfigFromReader(strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, DefaultIndexURL, cfg.IndexURL)
	assert.Equal(t, DefaultDownloadDir, cfg.DownloadDir)
	assert.Equal(t, DefaultStorePath, cfg.StorePath)
	assert.Equal(t, DefaultParallelDownloads, cfg.ParallelDownloads)
	assert.Equal(t, DefaultMaxSnapshots, cfg.MaxSnapshots)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 30*time.Minute, cfg.DownloadTimeout)
	assert.Equal(t, 2, cfg.Retries())
	assert.True(t, cfg.Cleanup())

	opts := cfg.RunOptions()
	assert.Equal(t, Options{MaxSnapshots: 1, CleanupAfterImport: true, ParallelDownloads: 3}, opts)
}

func TestLoadConfigKeepsDownloads(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	cfg, err := LoadConfigFromReader(strings.NewReader("cleanup_after_import: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Cleanup())
	assert.False(t, cfg.RunOptions().CleanupAfterImport)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	t.Setenv(EnvIndexURL, "http://mirror.local/dumps/")
	t.Setenv(EnvDownloadDir, "/tmp/dumps")
	t.Setenv(EnvStorePath, "/tmp/market.duckdb")
	t.Setenv("AODP_JOURNAL", "/tmp/journal")

	yaml := `
index_url: https://ignored.example/
download_dir: ignored
journal_dir: ${AODP_JOURNAL}
http_timeout: 5s
download_timeout: 1h
max_retries: 0
parallel_downloads: 2
max_snapshots: 4
cleanup_after_import: true
`
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.local/dumps/", cfg.IndexURL)
	assert.Equal(t, "/tmp/dumps", cfg.DownloadDir)
	assert.Equal(t, "/tmp/market.duckdb", cfg.StorePath)
	assert.Equal(t, "/tmp/journal", cfg.JournalDir)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, time.Hour, cfg.DownloadTimeout)
	assert.Equal(t, 0, cfg.Retries())
	assert.Equal(t, 2, cfg.ParallelDownloads)
	assert.Equal(t, 4, cfg.MaxSnapshots)
	assert.True(t, cfg.Cleanup())
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	t.Setenv(EnvIndexURL, "")

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad url", "index_url: ftp://x/", "index_url"},
		{"bad timeout", "http_timeout: soon", "http_timeout"},
		{"negative timeout", "download_timeout: -1s", "download_timeout"},
		{"parallel", "parallel_downloads: -1", "parallel_downloads"},
		{"retries", "max_retries: -2", "max_retries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfigFromReader(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
