// Package status renders `heimdall status` from the running daemon, or from
// the queue directory and persisted metrics when the daemon is down.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/metrics"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/queue"
	"github.com/msageha/heimdall/internal/scheduler"
	"github.com/msageha/heimdall/internal/uds"
)

type Format string

const (
	FormatText       Format = "text"
	FormatJSON       Format = "json"
	FormatPrometheus Format = "prom"
)

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

type Snapshot struct {
	Daemon DaemonStatus   `json:"daemon"`
	Report metrics.Report `json:"report"`
}

// Collect asks the daemon at socketPath for its report. When the daemon is
// not reachable the report is rebuilt from disk and shows no active workers.
func Collect(cfg model.Config, socketPath string, now time.Time, logger *zap.Logger) (Snapshot, error) {
	client := uds.NewClient(socketPath)

	var snap Snapshot
	snap.Daemon = checkDaemon(client)
	if snap.Daemon.Running {
		report, err := client.Status()
		if err == nil {
			snap.Report = report
			return snap, nil
		}
		logger.Warn("daemon status failed, reading from disk", zap.Error(err))
	}

	report, err := offlineReport(cfg, now, logger)
	if err != nil {
		return snap, err
	}
	snap.Report = report
	return snap, nil
}

func checkDaemon(client *uds.Client) DaemonStatus {
	pong, err := client.Ping()
	if err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true, Pid: pong.Pid}
}

func offlineReport(cfg model.Config, now time.Time, logger *zap.Logger) (metrics.Report, error) {
	store := queue.NewStore(cfg.QueueDir, queue.SuffixesFrom(cfg), logger)
	counts, err := store.Counts()
	if err != nil {
		return metrics.Report{}, fmt.Errorf("count queue: %w", err)
	}
	m, err := metrics.Read(cfg.StateDir)
	if err != nil {
		return metrics.Report{}, fmt.Errorf("read metrics: %w", err)
	}
	st := model.QueueStatus{
		ThrottleSeconds: cfg.RateLimit.ThrottleSeconds,
		MaxConcurrency:  cfg.RateLimit.MaxConcurrency,
		LastPollOutcome: model.PollIdle,
	}
	return metrics.BuildReport(counts, st, m, now), nil
}

// Render writes snap to w in the requested format.
func Render(w io.Writer, snap Snapshot, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case FormatPrometheus:
		_, err := io.WriteString(w, snap.Report.Prometheus())
		return err
	case FormatText, "":
		printStatus(w, snap)
		return nil
	}
	return fmt.Errorf("unknown status format %q", format)
}

func printStatus(w io.Writer, s Snapshot) {
	if s.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", s.Daemon.Pid)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	r := s.Report
	state := "running"
	if r.Status.Paused {
		state = "paused"
	}
	fmt.Fprintf(w, "\nQueue: %s  workers=%d/%d  throttle=%gs  last_poll=%s\n",
		state, r.Status.ActiveWorkers, r.Status.MaxConcurrency, r.Status.ThrottleSeconds, r.Status.LastPollOutcome)
	fmt.Fprintf(w, "  %-10s  %7s\n", "STATE", "COUNT")
	fmt.Fprintf(w, "  %-10s  %7d\n", "pending", r.Queue.Pending)
	fmt.Fprintf(w, "  %-10s  %7d\n", "processing", r.Queue.Processing)
	fmt.Fprintf(w, "  %-10s  %7d\n", "done", r.Queue.Done)
	fmt.Fprintf(w, "  %-10s  %7d\n", "error", r.Queue.Error)

	if r.HeartbeatAgeSeconds != nil && r.Status.LastHeartbeat != nil {
		fmt.Fprintf(w, "\nHeartbeat: %s (%.0fs ago)\n", *r.Status.LastHeartbeat, *r.HeartbeatAgeSeconds)
	} else {
		fmt.Fprintln(w, "\nHeartbeat: never")
	}
	fmt.Fprintf(w, "Totals: processed=%d errors=%d\n", r.ProcessedTotal, r.ErrorsTotal)

	if len(r.ByType) > 0 {
		fmt.Fprintf(w, "\n  %-16s  %9s  %6s\n", "TYPE", "PROCESSED", "ERRORS")
		types := make([]string, 0, len(r.ByType))
		for t := range r.ByType {
			types = append(types, t)
		}
		slices.Sort(types)
		for _, t := range types {
			c := r.ByType[t]
			fmt.Fprintf(w, "  %-16s  %9d  %6d\n", t, c.Processed, c.Errors)
		}
	}
}

// PrintSchedules lists the schedule table with each entry's next fire time.
func PrintSchedules(w io.Writer, entries []model.ScheduleEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No schedules")
		return
	}
	fmt.Fprintf(w, "%-20s  %-22s  %-12s  %-25s  %s\n", "NAME", "EXPR", "TYPE", "NEXT", "LAST RUN")
	for _, e := range entries {
		next := "-"
		if t, err := scheduler.Next(e); err == nil {
			next = t.UTC().Format(time.RFC3339)
		}
		last := "never"
		if e.LastRunAt != nil && *e.LastRunAt != "" {
			last = *e.LastRunAt
		}
		taskType, _ := e.Task["type"].(string)
		fmt.Fprintf(w, "%-20s  %-22s  %-12s  %-25s  %s\n", e.Name, e.Expr, taskType, next, last)
	}
}
