// Package metrics owns the persisted counters document and the unified
// worker heartbeat, and renders health reports as JSON or Prometheus text.
package metrics

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/msageha/heimdall/internal/model"
	yamlutil "github.com/msageha/heimdall/internal/yaml"
)

const FileName = "metrics.yaml"

// Path returns the metrics document location inside stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Recorder is the single writer of state/metrics.yaml.
type Recorder struct {
	stateDir string
	path     string
	logger   *zap.Logger

	mu  sync.Mutex
	doc model.Metrics

	// beatPersist paces heartbeat-only writes; counter bumps always persist.
	beatPersist rate.Sometimes
}

func NewRecorder(stateDir string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		stateDir:    stateDir,
		path:        Path(stateDir),
		logger:      logger.Named("metrics"),
		beatPersist: rate.Sometimes{First: 1, Interval: time.Second},
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := yamlutil.LoadOrRecover(stateDir, r.path, yamlutil.FileTypeMetrics, &r.doc, r.logger); err != nil {
		return nil, err
	}
	r.doc.SchemaVersion = yamlutil.CurrentSchemaVersion
	r.doc.FileType = yamlutil.FileTypeMetrics
	if r.doc.ByType == nil {
		r.doc.ByType = map[string]model.TypeCounters{}
	}
	return r, nil
}

// Bump counts one settled task of taskType.
func (r *Recorder) Bump(taskType string, ok bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc := r.doc.ByType[taskType]
	if ok {
		r.doc.ProcessedTotal++
		tc.Processed++
	} else {
		r.doc.ErrorsTotal++
		tc.Errors++
	}
	r.doc.ByType[taskType] = tc
	return r.persistLocked(time.Now())
}

// Beat records worker liveness at now. The document is rewritten at most
// once per second, and always on the first beat.
func (r *Recorder) Beat(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hb := now.UTC().Format(time.RFC3339)
	r.doc.Heartbeat = &hb

	var err error
	r.beatPersist.Do(func() {
		err = r.persistLocked(now)
	})
	return err
}

func (r *Recorder) persistLocked(now time.Time) error {
	updated := now.UTC().Format(time.RFC3339)
	r.doc.UpdatedAt = &updated
	if err := yamlutil.AtomicWrite(r.path, r.doc); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

// Flush persists the in-memory document regardless of pacing.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked(time.Now())
}

func (r *Recorder) Snapshot() model.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.doc
	out.ByType = maps.Clone(r.doc.ByType)
	if r.doc.Heartbeat != nil {
		hb := *r.doc.Heartbeat
		out.Heartbeat = &hb
	}
	if r.doc.UpdatedAt != nil {
		u := *r.doc.UpdatedAt
		out.UpdatedAt = &u
	}
	return out
}

// Read loads the persisted metrics without taking ownership, for readers in
// other processes. A missing document reads as zero counters.
func Read(stateDir string) (model.Metrics, error) {
	var m model.Metrics
	if _, err := yamlutil.LoadState(Path(stateDir), yamlutil.FileTypeMetrics, &m); err != nil {
		return model.Metrics{}, err
	}
	return m, nil
}

// HeartbeatAge is the time since the last recorded heartbeat. ok is false
// when no heartbeat was ever recorded or it cannot be parsed.
func HeartbeatAge(m model.Metrics, now time.Time) (age time.Duration, ok bool) {
	if m.Heartbeat == nil {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, *m.Heartbeat)
	if err != nil {
		return 0, false
	}
	age = now.Sub(t)
	if age < 0 {
		age = 0
	}
	return age, true
}
