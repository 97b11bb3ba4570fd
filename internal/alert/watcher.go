package alert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/events"
	"github.com/msageha/heimdall/internal/metrics"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/notify"
	yamlutil "github.com/msageha/heimdall/internal/yaml"
)

const StateFile = "alert_state.yaml"

// Sampler gathers the inputs of a Sample.
type Sampler struct {
	Counts  func() (model.QueueCounts, error)
	Status  func() model.QueueStatus
	Metrics func() (model.Metrics, error)
	Errors  func(since time.Time) (int, error)
}

// Sample reads every source. Failing sources degrade to the pessimistic
// value rather than aborting the check.
func (p Sampler) Sample(now time.Time, window time.Duration) (Sample, error) {
	var s Sample
	status := p.Status()
	s.Paused = status.Paused
	s.ActiveWorkers = status.ActiveWorkers
	s.Outcome = status.LastPollOutcome

	counts, err := p.Counts()
	if err != nil {
		return s, fmt.Errorf("queue counts: %w", err)
	}
	s.Counts = counts

	s.HeartbeatAge = unknownHeartbeatAge
	if m, err := p.Metrics(); err == nil {
		if age, ok := metrics.HeartbeatAge(m, now); ok {
			s.HeartbeatAge = age
		}
	}

	if p.Errors != nil {
		n, err := p.Errors(now.Add(-window))
		if err != nil {
			return s, fmt.Errorf("count error events: %w", err)
		}
		s.RecentErrors = n
	}
	return s, nil
}

// Result reports one check.
type Result struct {
	Issues   []string         `json:"issues"`
	Summary  string           `json:"summary"`
	Decision string           `json:"decision"`
	Sample   Sample           `json:"-"`
	State    model.AlertState `json:"state"`
}

type Watcher struct {
	cfg      model.AlertsConfig
	stateDir string
	path     string
	sampler  Sampler
	notifier notify.Notifier
	policy   notify.Policy
	journal  *events.Journal
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	state model.AlertState
	last  *Result
}

func NewWatcher(cfg model.AlertsConfig, stateDir string, sampler Sampler, notifier notify.Notifier, policy notify.Policy, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		cfg:      cfg,
		stateDir: stateDir,
		path:     filepath.Join(stateDir, StateFile),
		sampler:  sampler,
		notifier: notifier,
		policy:   policy,
		logger:   logger.Named("alert"),
		now:      time.Now,
		state:    emptyState(),
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := yamlutil.LoadOrRecover(stateDir, w.path, yamlutil.FileTypeAlerts, &w.state, w.logger); err != nil {
		return nil, err
	}
	return w, nil
}

// SetJournal records sent alerts in the event journal.
func (w *Watcher) SetJournal(j *events.Journal) {
	w.journal = j
}

func (w *Watcher) SetClock(now func() time.Time) {
	w.now = now
}

func emptyState() model.AlertState {
	return model.AlertState{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeAlerts,
	}
}

func (w *Watcher) State() model.AlertState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Last returns the most recent check result, or nil before the first check.
func (w *Watcher) Last() *Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return nil
	}
	r := *w.last
	return &r
}

// Check runs one evaluation at now.
func (w *Watcher) Check(ctx context.Context, now time.Time) (Result, error) {
	window := time.Duration(w.cfg.ErrorEventsWindowMinutes) * time.Minute
	sample, err := w.sampler.Sample(now, window)
	if err != nil {
		return Result{}, err
	}

	issues := Evaluate(sample, w.cfg)
	summary := Summary(issues)

	w.mu.Lock()
	defer w.mu.Unlock()

	suppress := time.Duration(w.cfg.RepeatSuppressSeconds) * time.Second
	decision := Decide(w.state, summary, now, suppress)
	switch decision {
	case Send:
		if w.policy.ShouldNotify(notify.KindAlert, nil, false) {
			msg := notify.Message{Kind: notify.KindAlert, Subject: "[Heimdall] Alert", Text: Text(summary, sample)}
			if err := w.notifier.Notify(ctx, msg); err != nil {
				w.logger.Warn("alert notify failed", zap.Error(err))
			}
		}
		ts := now.UTC().Format(time.RFC3339Nano)
		next := emptyState()
		next.SignatureHash = Signature(summary)
		next.LastSentAt = &ts
		next.LastSummary = summary
		if err := w.persistLocked(next); err != nil {
			return Result{}, err
		}
		w.logger.Warn("alert sent", zap.String("summary", summary))
		if w.journal != nil {
			_ = w.journal.Log(events.AlertSent, "", "", map[string]any{"summary": summary})
		}
	case Clear:
		previous := w.state.LastSummary
		if w.cfg.SendAllClear && w.policy.ShouldNotify(notify.KindAlert, nil, false) {
			msg := notify.Message{Kind: notify.KindAlert, Subject: "[Heimdall] All clear", Text: AllClearText(previous)}
			if err := w.notifier.Notify(ctx, msg); err != nil {
				w.logger.Warn("all-clear notify failed", zap.Error(err))
			}
		}
		if err := w.persistLocked(emptyState()); err != nil {
			return Result{}, err
		}
		w.logger.Info("alert cleared", zap.String("previous", previous))
	}

	res := Result{Issues: issues, Summary: summary, Decision: decision.String(), Sample: sample, State: w.state}
	if res.Issues == nil {
		res.Issues = []string{}
	}
	w.last = &res
	return res, nil
}

// Run checks every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(ctx, w.now()); err != nil {
				w.logger.Error("alert check failed", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) persistLocked(next model.AlertState) error {
	if err := yamlutil.AtomicWrite(w.path, next); err != nil {
		return fmt.Errorf("write alert state: %w", err)
	}
	w.state = next
	return nil
}
