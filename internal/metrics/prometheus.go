package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	queuePendingDesc = prometheus.NewDesc("heimdall_queue_pending",
		"Entries waiting to be claimed.", nil, nil)
	queueProcessingDesc = prometheus.NewDesc("heimdall_queue_processing",
		"Entries currently claimed by a worker.", nil, nil)
	queueDoneDesc = prometheus.NewDesc("heimdall_queue_done",
		"Entries settled successfully.", nil, nil)
	queueErrorsDesc = prometheus.NewDesc("heimdall_queue_errors",
		"Entries settled with an error.", nil, nil)
	heartbeatAgeDesc = prometheus.NewDesc("heimdall_worker_heartbeat_age_seconds",
		"Seconds since the last worker heartbeat, -1 if none.", nil, nil)
	pausedDesc = prometheus.NewDesc("heimdall_queue_paused",
		"1 when claiming is paused.", nil, nil)
	activeWorkersDesc = prometheus.NewDesc("heimdall_active_workers",
		"Worker loops currently running.", nil, nil)
	processedDesc = prometheus.NewDesc("heimdall_processed_total",
		"Tasks settled successfully.", nil, nil)
	errorsDesc = prometheus.NewDesc("heimdall_errors_total",
		"Tasks settled with an error.", nil, nil)
	typeProcessedDesc = prometheus.NewDesc("heimdall_tasks_processed_total",
		"Tasks settled successfully by type.", []string{"type"}, nil)
	typeErrorsDesc = prometheus.NewDesc("heimdall_tasks_errors_total",
		"Tasks settled with an error by type.", []string{"type"}, nil)
)

var allDescs = []*prometheus.Desc{
	queuePendingDesc, queueProcessingDesc, queueDoneDesc, queueErrorsDesc,
	heartbeatAgeDesc, pausedDesc, activeWorkersDesc,
	processedDesc, errorsDesc, typeProcessedDesc, typeErrorsDesc,
}

// Collector exposes a Report to a Prometheus registry. The report is
// rebuilt on every scrape.
type Collector struct {
	report func() (Report, error)
}

func NewCollector(report func() (Report, error)) *Collector {
	return &Collector{report: report}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range allDescs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r, err := c.report()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(queuePendingDesc, fmt.Errorf("build report: %w", err))
		return
	}

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(queuePendingDesc, float64(r.Queue.Pending))
	gauge(queueProcessingDesc, float64(r.Queue.Processing))
	gauge(queueDoneDesc, float64(r.Queue.Done))
	gauge(queueErrorsDesc, float64(r.Queue.Error))

	age := -1.0
	if r.HeartbeatAgeSeconds != nil {
		age = *r.HeartbeatAgeSeconds
	}
	gauge(heartbeatAgeDesc, age)
	paused := 0.0
	if r.Status.Paused {
		paused = 1
	}
	gauge(pausedDesc, paused)
	gauge(activeWorkersDesc, float64(r.Status.ActiveWorkers))

	counter(processedDesc, r.ProcessedTotal)
	counter(errorsDesc, r.ErrorsTotal)
	for t, c := range r.ByType {
		counter(typeProcessedDesc, c.Processed, t)
		counter(typeErrorsDesc, c.Errors, t)
	}
}

// NewRegistry returns a registry holding only the heimdall collector.
func NewRegistry(report func() (Report, error)) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(report))
	return reg
}

// Prometheus renders the report in the text exposition format.
func (r Report) Prometheus() string {
	reg := NewRegistry(func() (Report, error) { return r, nil })
	families, err := reg.Gather()
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&sb, mf); err != nil {
			return sb.String()
		}
	}
	return sb.String()
}
