package model

// ScheduleEntry is one named cron trigger wrapping a task document.
type ScheduleEntry struct {
	Name      string         `yaml:"name" json:"name"`
	Cron      any            `yaml:"cron" json:"cron"`
	Expr      string         `yaml:"expr" json:"expr"`
	Timezone  string         `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Task      map[string]any `yaml:"task" json:"task"`
	CreatedAt string         `yaml:"created_at" json:"created_at"`
	UpdatedAt string         `yaml:"updated_at" json:"updated_at"`
	LastRunAt *string        `yaml:"last_run_at" json:"last_run_at"`
}

// ScheduleTable is the persisted schedule document (state/schedules.yaml).
type ScheduleTable struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Schedules     []ScheduleEntry `yaml:"schedules"`
}

// AlertState is the persisted alert suppression record (state/alert_state.yaml).
type AlertState struct {
	SchemaVersion int     `yaml:"schema_version" json:"-"`
	FileType      string  `yaml:"file_type" json:"-"`
	SignatureHash string  `yaml:"signature_hash,omitempty" json:"signature_hash"`
	LastSentAt    *string `yaml:"last_sent_at" json:"last_sent_at"`
	LastSummary   string  `yaml:"last_summary,omitempty" json:"last_summary"`
}

// Active reports whether a previous alert is still on record.
func (a AlertState) Active() bool {
	return a.SignatureHash != ""
}

// JobSummary is written to summary.json in every job run directory.
type JobSummary struct {
	Name       string   `json:"name"`
	RunID      string   `json:"run_id"`
	ExitCode   int      `json:"exit_code"`
	OK         bool     `json:"ok"`
	TimedOut   bool     `json:"timed_out"`
	DurationMs int64    `json:"duration_ms"`
	Cwd        string   `json:"cwd"`
	StartedAt  string   `json:"started_at"`
	EndedAt    string   `json:"ended_at"`
	RunDir     string   `json:"run_dir"`
	StdoutPath string   `json:"stdout"`
	StderrPath string   `json:"stderr"`
	Artifacts  []string `json:"artifacts"`
	Error      string   `json:"error,omitempty"`
}

// ArtifactRecord is one manifest line in artifacts.json.
type ArtifactRecord struct {
	Pattern string `json:"pattern"`
	Source  string `json:"source"`
	Stored  string `json:"stored"`
	Size    int64  `json:"size"`
}
