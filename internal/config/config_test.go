package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/heimdall/internal/model"
)

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "heimdall", cfg.RootDir)
		assert.Equal(t, filepath.Join("heimdall", "queue"), cfg.QueueDir)
		assert.Equal(t, filepath.Join("heimdall", "state"), cfg.StateDir)
		assert.Equal(t, filepath.Join("heimdall", "state", "events.jsonl"), cfg.Events.File)
		assert.True(t, cfg.DryRun)
		assert.Equal(t, 2, cfg.PollSeconds)
		assert.Equal(t, ".working", cfg.ProcessingSuffix)
		assert.Equal(t, ".done", cfg.ProcessedSuffix)
		assert.Equal(t, ".error", cfg.ErrorSuffix)

		assert.Equal(t, 1, cfg.RateLimit.MaxConcurrency)
		assert.Equal(t, time.Duration(0), cfg.RateLimit.Throttle())
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)

		assert.True(t, cfg.Jobs.Enabled)
		assert.Equal(t, 900, cfg.Jobs.MaxSeconds)
		assert.Equal(t, 168*time.Hour, cfg.Jobs.MaxAge)
		assert.Equal(t, int64(50*1024*1024), cfg.Jobs.MaxArchiveBytes)

		assert.Equal(t, 60, cfg.Alerts.IntervalSeconds)
		assert.Equal(t, 900, cfg.Alerts.RepeatSuppressSeconds)
		assert.Equal(t, 150, cfg.Alerts.BacklogPendingWarn)
		assert.False(t, cfg.Alerts.SendAllClear)

		assert.True(t, cfg.Notify.On.JobFailure)
		assert.False(t, cfg.Notify.On.JobSuccess)
		assert.Equal(t, 4000, cfg.Notify.Redact.MaxTailBytes)
		assert.Equal(t, "pgx", cfg.Database.Driver)
	})

	t.Run("LoadFromFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "heimdall.yaml")
		content := `
root_dir: /srv/heimdall
dry_run: false
rate_limit:
  max_concurrency: 4
  throttle_seconds: 1.5
jobs:
  max_age: 24h
  archive: true
notify:
  channels:
    webhooks:
      - env: DISCORD_WEBHOOK_URL
        kind: discord
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "/srv/heimdall/queue", cfg.QueueDir)
		assert.False(t, cfg.DryRun)
		assert.Equal(t, 4, cfg.RateLimit.MaxConcurrency)
		assert.Equal(t, 1500*time.Millisecond, cfg.RateLimit.Throttle())
		assert.Equal(t, 24*time.Hour, cfg.Jobs.MaxAge)
		assert.True(t, cfg.Jobs.Archive)
		require.Len(t, cfg.Notify.Channels.Webhooks, 1)
		assert.Equal(t, "discord", cfg.Notify.Channels.Webhooks[0].Kind)
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "heimdall.yaml")
		require.NoError(t, os.WriteFile(path, []byte("poll_seconds: 9\n"), 0644))
		t.Setenv("HEIMDALL_POLL_SECONDS", "4")
		t.Setenv("HEIMDALL_ALERTS_BACKLOG_PENDING_WARN", "10")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.PollSeconds)
		assert.Equal(t, 10, cfg.Alerts.BacklogPendingWarn)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "heimdall.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  max_concurrency: 0\n"), 0644))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MaxConcurrency")
	})

	t.Run("InvalidWebhookKind", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "heimdall.yaml")
		content := "notify:\n  channels:\n    webhooks:\n      - url: http://x\n        kind: slack\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	root := t.TempDir()
	cfg := Default(root)

	assert.Equal(t, filepath.Join(root, "queue"), cfg.QueueDir)
	assert.Equal(t, filepath.Join(root, "state"), cfg.StateDir)
	require.NoError(t, Validate(cfg))
}

func TestDatabaseURL(t *testing.T) {
	t.Setenv("HEIMDALL_TEST_DB", "postgres://env")
	assert.Equal(t, "postgres://env", DatabaseURL(model.DatabaseConfig{URLEnv: "HEIMDALL_TEST_DB", URL: "postgres://file"}))
	assert.Equal(t, "postgres://file", DatabaseURL(model.DatabaseConfig{URLEnv: "HEIMDALL_UNSET_DB", URL: "postgres://file"}))
}
