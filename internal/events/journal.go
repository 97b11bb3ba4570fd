// Package events is heimdall's append-only event journal. Workers record one
// line per settled task; the alert watcher counts recent error events.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 5
)

// Event names written by the worker pool and scheduler.
const (
	TaskDone      = "task_done"
	TaskError     = "task_error"
	TaskRetry     = "task_retry"
	TaskInvalid   = "task_invalid_error"
	ScheduleFired = "schedule_fired"
	ScheduleError = "schedule_error"
	AlertSent     = "alert_sent"
)

// Entry is one journal line. TS is unix seconds so other tools can filter
// without parsing dates.
type Entry struct {
	TS      float64        `json:"ts"`
	Event   string         `json:"event"`
	Entry   string         `json:"entry,omitempty"`
	Type    string         `json:"type,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Journal appends JSON lines to path. lumberjack rotates the file once it
// reaches maxSizeMB, keeping maxBackups rotated files beside it.
type Journal struct {
	mu   sync.Mutex
	out  *lumberjack.Logger
	path string
	now  func() time.Time
}

func Open(path string, maxSizeMB, maxBackups int) (*Journal, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	// Open eagerly so a bad path fails here rather than on the first event.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	_ = f.Close()

	return &Journal{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
		path: path,
		now:  time.Now,
	}, nil
}

// Log appends an event. entry and taskType may be empty.
func (j *Journal) Log(event, entry, taskType string, details map[string]any) error {
	return j.Write(Entry{
		Event:   event,
		Entry:   entry,
		Type:    taskType,
		Details: details,
	})
}

func (j *Journal) Write(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.TS == 0 {
		e.TS = unixSeconds(j.now())
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := j.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Rotate moves the live file aside now instead of waiting for the size limit.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.out.Rotate(); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	return nil
}

// CountSince counts events at or after since whose name contains substr,
// case-insensitively. See the package-level CountSince for which files are read.
func (j *Journal) CountSince(substr string, since time.Time) (int, error) {
	return CountSince(j.path, substr, since)
}

// CountSince is the file-level form of Journal.CountSince, usable without an
// open journal. It reads the live file and the most recent rotated file, so a
// window reaching back past the last two files undercounts. Missing files count
// zero and malformed lines are skipped.
func CountSince(path, substr string, since time.Time) (int, error) {
	files := []string{path}
	if prev, err := latestBackup(path); err != nil {
		return 0, err
	} else if prev != "" {
		files = append(files, prev)
	}

	cutoff := unixSeconds(since)
	needle := strings.ToLower(substr)
	total := 0
	for _, name := range files {
		n, err := countFile(name, needle, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// latestBackup returns the newest file lumberjack rotated out of path, or ""
// when there is none. Backup names embed a sortable UTC timestamp.
func latestBackup(path string) (string, error) {
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(filepath.Base(path), ext) + "-"
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), prefix+"*"+ext))
	if err != nil {
		return "", fmt.Errorf("list rotated journals: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	slices.Sort(matches)
	return matches[len(matches)-1], nil
}

func countFile(path, needle string, cutoff float64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.TS < cutoff {
			continue
		}
		if strings.Contains(strings.ToLower(e.Event), needle) {
			count++
		}
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("scan journal: %w", err)
	}
	return count, nil
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.out.Close()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
