// Package config loads heimdall's configuration from defaults, an optional
// YAML file, and HEIMDALL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/msageha/heimdall/internal/model"
)

const (
	EnvPrefix         = "HEIMDALL"
	DefaultConfigName = "heimdall"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("root_dir", "heimdall")
	v.SetDefault("queue_dir", "")
	v.SetDefault("state_dir", "")
	v.SetDefault("dry_run", true)
	v.SetDefault("poll_seconds", 2)
	v.SetDefault("processing_suffix", ".working")
	v.SetDefault("processed_suffix", ".done")
	v.SetDefault("error_suffix", ".error")

	v.SetDefault("rate_limit.max_concurrency", 1)
	v.SetDefault("rate_limit.throttle_seconds", 0)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_base_seconds", 5)
	v.SetDefault("retry.backoff_max_seconds", 300)

	v.SetDefault("queue.keep_terminal", "0s")
	v.SetDefault("queue.stale_claim_after", "0s")

	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.jobs_dir", "generated/jobs")
	v.SetDefault("jobs.base_dir", ".")
	v.SetDefault("jobs.max_seconds", 900)
	v.SetDefault("jobs.keep_runs", 20)
	v.SetDefault("jobs.max_age", "168h")
	v.SetDefault("jobs.archive", false)
	v.SetDefault("jobs.max_archive_bytes", 50*1024*1024)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_seconds", 30)

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.interval_seconds", 60)
	v.SetDefault("alerts.repeat_suppress_seconds", 900)
	v.SetDefault("alerts.backlog_pending_warn", 150)
	v.SetDefault("alerts.heartbeat_max_age_warn_seconds", 120)
	v.SetDefault("alerts.error_events_window_minutes", 10)
	v.SetDefault("alerts.error_events_warn", 5)
	v.SetDefault("alerts.send_all_clear", false)

	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.on.job_success", false)
	v.SetDefault("notify.on.job_failure", true)
	v.SetDefault("notify.on.schedule_error", true)
	v.SetDefault("notify.on.alerts", true)
	v.SetDefault("notify.redact.max_tail_bytes", 4000)
	v.SetDefault("notify.channels.email.smtp_port", 587)
	v.SetDefault("notify.channels.email.use_tls", true)
	v.SetDefault("notify.retry.max_retries", 3)
	v.SetDefault("notify.retry.base_ms", 500)

	v.SetDefault("generate.routes_dir", "generated/routes")
	v.SetDefault("generate.models_dir", "generated/models")
	v.SetDefault("generate.migrations_dir", "migrations/generated")
	v.SetDefault("generate.preview_dir", "generated/preview")

	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.url_env", "DATABASE_URL")

	v.SetDefault("after_change.auto_reload", false)
	v.SetDefault("after_change.reload_url", "http://127.0.0.1:8000/admin/reload")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", "127.0.0.1:8088")

	v.SetDefault("health.ready_heartbeat_max_age_seconds", 45)

	v.SetDefault("events.file", "")
	v.SetDefault("events.max_size_mb", 10)
	v.SetDefault("events.max_backups", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 1)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("daemon.shutdown_timeout_sec", 30)
}

// Load resolves configuration. An explicit path must exist; otherwise
// heimdall.yaml in the working directory is read when present.
func Load(path string) (model.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return model.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDerived(&cfg)

	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// applyDerived fills paths that default relative to root_dir.
func applyDerived(cfg *model.Config) {
	if cfg.QueueDir == "" {
		cfg.QueueDir = filepath.Join(cfg.RootDir, "queue")
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.RootDir, "state")
	}
	if cfg.Events.File == "" {
		cfg.Events.File = filepath.Join(cfg.StateDir, "events.jsonl")
	}
}

var validate = validator.New()

func Validate(cfg model.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// DatabaseURL resolves the connection string, preferring the environment.
func DatabaseURL(cfg model.DatabaseConfig) string {
	if cfg.URLEnv != "" {
		if u := os.Getenv(cfg.URLEnv); u != "" {
			return u
		}
	}
	return cfg.URL
}

// Default returns the fully-defaulted configuration rooted at rootDir.
func Default(rootDir string) model.Config {
	v := viper.New()
	setDefaults(v)
	v.Set("root_dir", rootDir)

	var cfg model.Config
	// Defaults are statically well-formed.
	_ = v.Unmarshal(&cfg)
	applyDerived(&cfg)
	return cfg
}
