package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8090\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr())
	assert.Equal(t, 3600, cfg.Cache.SearchResults.BaseTTL)
	assert.True(t, cfg.Dedup.Enabled)
	assert.InDelta(t, 0.85, cfg.Dedup.SimilarityThreshold, 1e-9)
	assert.Equal(t, "multi", cfg.Search.Provider)
	assert.Equal(t, 3, cfg.Search.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Search.RecoveryTimeout)
	assert.Equal(t, 5, cfg.Pipeline.QueriesPerIteration)
	assert.Equal(t, 60, cfg.Pipeline.RelevancyThreshold)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 15, cfg.Scheduler.CheckWindowMinutes)
	assert.Equal(t, "gpt-4o-mini", cfg.Models.QueryGeneration.Model)
	assert.Equal(t, "json_object", cfg.Models.QueryGeneration.ResponseFormat)
	assert.Equal(t, "https://api.resend.com", cfg.Mail.BaseURL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9999
search:
  provider: serper
pipeline:
  queries_per_iteration: 3
scheduler:
  tick_interval: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "serper", cfg.Search.Provider)
	assert.Equal(t, 3, cfg.Pipeline.QueriesPerIteration)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BRIEFCAST_CACHE_REDIS_HOST", "redis.internal")
	t.Setenv("BRIEFCAST_SEARCH_SERPER_API_KEY", "secret-key")

	cfg, err := Load(writeConfig(t, "server:\n  port: 8090\n"))
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", cfg.Cache.Redis.Addr())
	assert.Equal(t, "secret-key", cfg.Search.SerperAPIKey)
}

func TestLoadShortFlagAliases(t *testing.T) {
	t.Setenv("ENABLE_SEARCH_CACHE", "false")
	t.Setenv("ENABLE_SEMANTIC_DEDUP", "false")
	t.Setenv("RUN_ON_STARTUP", "true")
	t.Setenv("SCHEDULER_CHECK_WINDOW_MINUTES", "30")

	cfg, err := Load(writeConfig(t, "server:\n  port: 8090\n"))
	require.NoError(t, err)

	assert.False(t, cfg.Cache.Enabled)
	assert.False(t, cfg.Dedup.Enabled)
	assert.True(t, cfg.Scheduler.RunOnStartup)
	assert.Equal(t, 30, cfg.Scheduler.CheckWindowMinutes)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	_, err := Load(writeConfig(t, "search:\n  provider: duckduckgo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateTickIntervalCap(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler:\n  tick_interval: 5m\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval")
}

func TestValidateDedupRequiresCache(t *testing.T) {
	_, err := Load(writeConfig(t, "cache:\n  enabled: false\ndedup:\n  enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedup.enabled requires cache.enabled")
}
