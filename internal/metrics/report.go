package metrics

import (
	"time"

	"github.com/msageha/heimdall/internal/model"
)

// Report is the health document served to monitoring and the CLI.
type Report struct {
	Queue               model.QueueCounts             `json:"queue"`
	Status              model.QueueStatus             `json:"status"`
	HeartbeatAgeSeconds *float64                      `json:"heartbeat_age_seconds"`
	ProcessedTotal      int                           `json:"processed_total"`
	ErrorsTotal         int                           `json:"errors_total"`
	ByType              map[string]model.TypeCounters `json:"by_type"`
	GeneratedAt         string                        `json:"generated_at"`
}

// BuildReport combines queue depth, pool status and counters. The persisted
// heartbeat is reported as the pool's last heartbeat.
func BuildReport(counts model.QueueCounts, status model.QueueStatus, m model.Metrics, now time.Time) Report {
	r := Report{
		Queue:          counts,
		Status:         status,
		ProcessedTotal: m.ProcessedTotal,
		ErrorsTotal:    m.ErrorsTotal,
		ByType:         m.ByType,
		GeneratedAt:    now.UTC().Format(time.RFC3339),
	}
	if r.ByType == nil {
		r.ByType = map[string]model.TypeCounters{}
	}
	r.Status.LastHeartbeat = m.Heartbeat
	if age, ok := HeartbeatAge(m, now); ok {
		secs := age.Seconds()
		r.HeartbeatAgeSeconds = &secs
	}
	return r
}
