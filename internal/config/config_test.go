package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.HotWindowDays)
	assert.Equal(t, 1000, cfg.Sync.BatchSize)
	assert.Equal(t, "0 2 * * *", cfg.Archive.Cron)
	assert.Equal(t, 365, cfg.Query.MaxRangeDays)
	assert.Equal(t, 10, cfg.Cold.FetchConcurrency)
}

func TestLoad_YAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pointlake.yaml")
	raw := []byte("hot_window_days: 30\nsites: [hq, plant-7]\nsync:\n  interval: 2m\nquery:\n  max_points: 10\n")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	t.Setenv("HOT_WINDOW_DAYS", "25")
	t.Setenv("UPSTREAM_API_TOKEN", "secret-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.HotWindowDays, "env wins over file")
	assert.Equal(t, []string{"hq", "plant-7"}, cfg.Sites)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 10, cfg.Query.MaxPoints)
	assert.Equal(t, "secret-token", cfg.Upstream.Token)
}

func TestLoad_ArchiveThresholdMismatchRefusesStart(t *testing.T) {
	t.Setenv("HOT_WINDOW_DAYS", "20")
	t.Setenv("ARCHIVE_THRESHOLD_DAYS", "30")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVE_THRESHOLD_DAYS")
}

func TestLoad_ArchiveThresholdAgreementOK(t *testing.T) {
	t.Setenv("HOT_WINDOW_DAYS", "20")
	t.Setenv("ARCHIVE_THRESHOLD_DAYS", "20")

	_, err := Load("")
	assert.NoError(t, err)
}

func TestValidate_RejectsWildcardOrigin(t *testing.T) {
	cfg := Default()
	cfg.HTTP.AllowedOrigins = []string{"https://ops.example.com", "*"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wildcard")
}

func TestValidate_BatchSizeCap(t *testing.T) {
	cfg := Default()
	cfg.Sync.BatchSize = 5000
	assert.Error(t, cfg.Validate())

	cfg.Sync.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvCSV_TrimsAndDropsEmpty(t *testing.T) {
	t.Setenv("SITES", " hq , ,plant-7")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"hq", "plant-7"}, cfg.Sites)
}
