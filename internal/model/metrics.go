package model

// Metrics is the persisted counters document (state/metrics.yaml).
// Heartbeat is the single liveness signal shared by workers, health checks and alerts.
type Metrics struct {
	SchemaVersion  int                     `yaml:"schema_version" json:"schema_version"`
	FileType       string                  `yaml:"file_type" json:"file_type"`
	ProcessedTotal int                     `yaml:"processed_total" json:"processed_total"`
	ErrorsTotal    int                     `yaml:"errors_total" json:"errors_total"`
	ByType         map[string]TypeCounters `yaml:"by_type" json:"by_type"`
	Heartbeat      *string                 `yaml:"heartbeat" json:"heartbeat"`
	UpdatedAt      *string                 `yaml:"updated_at" json:"updated_at"`
}

type TypeCounters struct {
	Processed int `yaml:"processed" json:"processed"`
	Errors    int `yaml:"errors" json:"errors"`
}
