package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "obit.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Enrich.NoCache)
	assert.InDelta(t, 0.50, cfg.Enrich.MaxCostPerSubject, 0.001)
	assert.InDelta(t, 10.0, cfg.Enrich.MaxCostPerBatch, 0.001)
	assert.Equal(t, 3, cfg.Enrich.EarlyStopCount)
	assert.InDelta(t, 0.5, cfg.Enrich.ConfidenceThreshold, 0.001)
	assert.False(t, cfg.Enrich.RequireReliability)
	assert.InDelta(t, 0.6, cfg.Enrich.ReliabilityThreshold, 0.001)
	assert.Equal(t, 1000, cfg.Enrich.InterSubjectDelayMs)
	assert.Equal(t, 30, cfg.Sources.TimeoutSecs)
	assert.Equal(t, 10, cfg.Sources.LowPriorityTimeoutSecs)
	assert.Equal(t, "wayback", cfg.Sources.Fallback)
	assert.Equal(t, 10, cfg.Batch.CheckpointEvery)
	assert.Equal(t, 10, cfg.Batch.MaxConsecutiveFailures)
	assert.InDelta(t, 1.0, cfg.Retry.BaseHours, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.SearchBaseURL)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.InDelta(t, 0.005, cfg.Pricing.Perplexity.PerQuery, 0.0001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/obit
log:
  level: debug
  format: console
enrich:
  early_stop_count: 1
  require_reliability: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/obit", cfg.Store.DatabaseURL)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 1, cfg.Enrich.EarlyStopCount)
	assert.True(t, cfg.Enrich.RequireReliability)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.5, cfg.Enrich.ConfidenceThreshold, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
enrich:
  max_cost_per_subject: 1.25
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("OBIT_ENRICH_MAX_COST_PER_SUBJECT", "0.10")
	t.Setenv("OBIT_ENRICH_NO_CACHE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 0.10, cfg.Enrich.MaxCostPerSubject, 0.0001)
	assert.True(t, cfg.Enrich.NoCache)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "obit.db"
	cfg.Enrich.EarlyStopCount = 3
	cfg.Enrich.ConfidenceThreshold = 0.5
	cfg.Enrich.ReliabilityThreshold = 0.6
	cfg.Enrich.MaxCostPerSubject = 0.5
	cfg.Enrich.MaxCostPerBatch = 10
	cfg.Batch.CheckpointEvery = 10
	cfg.Batch.MaxConsecutiveFailures = 10
	return cfg
}

func TestValidate_EnrichAndBatch(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("enrich"))
	assert.NoError(t, cfg.Validate("batch"))

	cfg.Enrich.EarlyStopCount = 0
	err := cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "early_stop_count must be >= 1")

	cfg = validDefaults()
	cfg.Enrich.ConfidenceThreshold = 1.5
	cfg.Enrich.ReliabilityThreshold = -0.1
	err = cfg.Validate("enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_threshold")
	assert.Contains(t, err.Error(), "reliability_threshold")

	cfg = validDefaults()
	cfg.Batch.MaxConsecutiveFailures = 0
	assert.NoError(t, cfg.Validate("enrich"))
	err = cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_consecutive_failures")
}

func TestValidate_Synthesize(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("synthesize")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")

	cfg.Anthropic.Key = "sk-ant-test"
	assert.NoError(t, cfg.Validate("synthesize"))
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("cache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
