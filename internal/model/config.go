// Package model defines heimdall's configuration, task documents, and persisted state.
package model

import "time"

type Config struct {
	RootDir          string `mapstructure:"root_dir" yaml:"root_dir" validate:"required"`
	QueueDir         string `mapstructure:"queue_dir" yaml:"queue_dir" validate:"required"`
	StateDir         string `mapstructure:"state_dir" yaml:"state_dir" validate:"required"`
	DryRun           bool   `mapstructure:"dry_run" yaml:"dry_run"`
	PollSeconds      int    `mapstructure:"poll_seconds" yaml:"poll_seconds" validate:"gt=0"`
	ProcessingSuffix string `mapstructure:"processing_suffix" yaml:"processing_suffix" validate:"required,startswith=."`
	ProcessedSuffix  string `mapstructure:"processed_suffix" yaml:"processed_suffix" validate:"required,startswith=."`
	ErrorSuffix      string `mapstructure:"error_suffix" yaml:"error_suffix" validate:"required,startswith=."`

	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Queue       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	Jobs        JobsConfig        `mapstructure:"jobs" yaml:"jobs"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" yaml:"scheduler"`
	Alerts      AlertsConfig      `mapstructure:"alerts" yaml:"alerts"`
	Notify      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
	Generate    GenerateConfig    `mapstructure:"generate" yaml:"generate"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	AfterChange AfterChangeConfig `mapstructure:"after_change" yaml:"after_change"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
	Events      EventsConfig      `mapstructure:"events" yaml:"events"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Daemon      DaemonConfig      `mapstructure:"daemon" yaml:"daemon"`
}

type RateLimitConfig struct {
	MaxConcurrency  int     `mapstructure:"max_concurrency" yaml:"max_concurrency" validate:"gte=1"`
	ThrottleSeconds float64 `mapstructure:"throttle_seconds" yaml:"throttle_seconds" validate:"gte=0"`
}

func (c RateLimitConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleSeconds * float64(time.Second))
}

type RetryConfig struct {
	MaxAttempts        int `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds" yaml:"backoff_base_seconds" validate:"gte=0"`
	BackoffMaxSeconds  int `mapstructure:"backoff_max_seconds" yaml:"backoff_max_seconds" validate:"gte=0"`
}

type QueueConfig struct {
	// KeepTerminal prunes done/error entries older than this; zero keeps them forever.
	KeepTerminal time.Duration `mapstructure:"keep_terminal" yaml:"keep_terminal"`
	// StaleClaimAfter is how old a processing entry must be before startup recovery requeues it.
	StaleClaimAfter time.Duration `mapstructure:"stale_claim_after" yaml:"stale_claim_after"`
}

type JobsConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	JobsDir         string        `mapstructure:"jobs_dir" yaml:"jobs_dir" validate:"required"`
	BaseDir         string        `mapstructure:"base_dir" yaml:"base_dir"`
	MaxSeconds      int           `mapstructure:"max_seconds" yaml:"max_seconds" validate:"gt=0"`
	KeepRuns        int           `mapstructure:"keep_runs" yaml:"keep_runs" validate:"gte=0"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"max_age"`
	Archive         bool          `mapstructure:"archive" yaml:"archive"`
	MaxArchiveBytes int64         `mapstructure:"max_archive_bytes" yaml:"max_archive_bytes" validate:"gte=0"`
}

type SchedulerConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	TickSeconds int  `mapstructure:"tick_seconds" yaml:"tick_seconds" validate:"gt=0"`
}

type AlertsConfig struct {
	Enabled                    bool `mapstructure:"enabled" yaml:"enabled"`
	IntervalSeconds            int  `mapstructure:"interval_seconds" yaml:"interval_seconds" validate:"gt=0"`
	RepeatSuppressSeconds      int  `mapstructure:"repeat_suppress_seconds" yaml:"repeat_suppress_seconds" validate:"gte=0"`
	BacklogPendingWarn         int  `mapstructure:"backlog_pending_warn" yaml:"backlog_pending_warn" validate:"gt=0"`
	HeartbeatMaxAgeWarnSeconds int  `mapstructure:"heartbeat_max_age_warn_seconds" yaml:"heartbeat_max_age_warn_seconds" validate:"gt=0"`
	ErrorEventsWindowMinutes   int  `mapstructure:"error_events_window_minutes" yaml:"error_events_window_minutes" validate:"gt=0"`
	ErrorEventsWarn            int  `mapstructure:"error_events_warn" yaml:"error_events_warn" validate:"gt=0"`
	SendAllClear               bool `mapstructure:"send_all_clear" yaml:"send_all_clear"`
}

type NotifyConfig struct {
	Enabled  bool                 `mapstructure:"enabled" yaml:"enabled"`
	On       NotifyOnConfig       `mapstructure:"on" yaml:"on"`
	Redact   RedactConfig         `mapstructure:"redact" yaml:"redact"`
	Channels NotifyChannelsConfig `mapstructure:"channels" yaml:"channels"`
	Retry    NotifyRetryConfig    `mapstructure:"retry" yaml:"retry"`
}

type NotifyOnConfig struct {
	JobSuccess    bool `mapstructure:"job_success" yaml:"job_success"`
	JobFailure    bool `mapstructure:"job_failure" yaml:"job_failure"`
	ScheduleError bool `mapstructure:"schedule_error" yaml:"schedule_error"`
	Alerts        bool `mapstructure:"alerts" yaml:"alerts"`
}

type RedactConfig struct {
	Patterns     []string `mapstructure:"patterns" yaml:"patterns"`
	KeysEnv      []string `mapstructure:"keys_env" yaml:"keys_env"`
	MaxTailBytes int      `mapstructure:"max_tail_bytes" yaml:"max_tail_bytes" validate:"gte=0"`
}

type NotifyChannelsConfig struct {
	Webhooks []WebhookConfig `mapstructure:"webhooks" yaml:"webhooks" validate:"dive"`
	Email    EmailConfig     `mapstructure:"email" yaml:"email"`
	// Desktop posts macOS user notifications through osascript.
	Desktop bool `mapstructure:"desktop" yaml:"desktop"`
}

type WebhookConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Env       string `mapstructure:"env" yaml:"env"`
	Kind      string `mapstructure:"kind" yaml:"kind" validate:"omitempty,oneof=generic discord"`
	SecretEnv string `mapstructure:"secret_env" yaml:"secret_env"`
}

type EmailConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	SMTPHost    string   `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort    int      `mapstructure:"smtp_port" yaml:"smtp_port"`
	UseTLS      bool     `mapstructure:"use_tls" yaml:"use_tls"`
	UsernameEnv string   `mapstructure:"username_env" yaml:"username_env"`
	PasswordEnv string   `mapstructure:"password_env" yaml:"password_env"`
	From        string   `mapstructure:"from" yaml:"from"`
	To          []string `mapstructure:"to" yaml:"to"`
}

type NotifyRetryConfig struct {
	MaxRetries uint64 `mapstructure:"max_retries" yaml:"max_retries"`
	BaseMs     int    `mapstructure:"base_ms" yaml:"base_ms" validate:"gte=0"`
}

type GenerateConfig struct {
	RoutesDir     string `mapstructure:"routes_dir" yaml:"routes_dir" validate:"required"`
	ModelsDir     string `mapstructure:"models_dir" yaml:"models_dir" validate:"required"`
	MigrationsDir string `mapstructure:"migrations_dir" yaml:"migrations_dir" validate:"required"`
	PreviewDir    string `mapstructure:"preview_dir" yaml:"preview_dir" validate:"required"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=pgx sqlite"`
	URL    string `mapstructure:"url" yaml:"url"`
	URLEnv string `mapstructure:"url_env" yaml:"url_env"`
}

type AfterChangeConfig struct {
	AutoReload bool   `mapstructure:"auto_reload" yaml:"auto_reload"`
	ReloadURL  string `mapstructure:"reload_url" yaml:"reload_url" validate:"omitempty,url"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

type HealthConfig struct {
	ReadyHeartbeatMaxAgeSeconds int `mapstructure:"ready_heartbeat_max_age_seconds" yaml:"ready_heartbeat_max_age_seconds" validate:"gt=0"`
}

type EventsConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}
