// Package scheduler keeps the table of named cron triggers and re-enqueues
// their tasks when they come due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/cronexpr"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/queue"
	yamlutil "github.com/msageha/heimdall/internal/yaml"
)

const FileName = "schedules.yaml"

var ErrNotFound = errors.New("schedule not found")

// Submitter enqueues a task document through the normal validation path.
type Submitter interface {
	Submit(doc map[string]any, source string) (queue.Receipt, error)
}

// Firing records one due schedule handled by Tick.
type Firing struct {
	Name  string
	Entry string
	Err   error
}

type Scheduler struct {
	stateDir  string
	path      string
	submitter Submitter
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	table model.ScheduleTable
}

// New loads state/schedules.yaml, recovering it when corrupt.
func New(stateDir string, submitter Submitter, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		stateDir:  stateDir,
		path:      filepath.Join(stateDir, FileName),
		submitter: submitter,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
		table: model.ScheduleTable{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      yamlutil.FileTypeSchedules,
		},
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := yamlutil.LoadOrRecover(stateDir, s.path, yamlutil.FileTypeSchedules, &s.table, s.logger); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) Path() string {
	return s.path
}

// Apply executes a schedule task against the table.
func (s *Scheduler) Apply(task model.ScheduleTask) error {
	switch task.Action {
	case model.ScheduleRemove:
		_, err := s.Remove(task.Name)
		return err
	case model.ScheduleUpsert, "":
		_, err := s.Upsert(task)
		return err
	}
	return fmt.Errorf("unknown schedule action %q", task.Action)
}

// Upsert installs or replaces the named entry. Replacing keeps created_at
// and last_run_at so an edit does not re-fire a tick already handled.
func (s *Scheduler) Upsert(task model.ScheduleTask) (model.ScheduleEntry, error) {
	expr, err := cronexpr.Expression(task.Cron, task.Timezone)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	if task.Task == nil {
		return model.ScheduleEntry{}, fmt.Errorf("schedule '%s' has no task", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Format(time.RFC3339)
	entry := model.ScheduleEntry{
		Name:      task.Name,
		Cron:      task.Cron,
		Expr:      expr,
		Timezone:  task.Timezone,
		Task:      task.Task,
		CreatedAt: now,
		UpdatedAt: now,
	}
	replaced := false
	for i, existing := range s.table.Schedules {
		if existing.Name != task.Name {
			continue
		}
		entry.CreatedAt = existing.CreatedAt
		entry.LastRunAt = existing.LastRunAt
		s.table.Schedules[i] = entry
		replaced = true
		break
	}
	if !replaced {
		s.table.Schedules = append(s.table.Schedules, entry)
		sort.Slice(s.table.Schedules, func(i, j int) bool {
			return s.table.Schedules[i].Name < s.table.Schedules[j].Name
		})
	}
	if err := s.persistLocked(); err != nil {
		return model.ScheduleEntry{}, err
	}
	s.logger.Info("schedule upserted", zap.String("name", task.Name), zap.String("expr", expr), zap.Bool("replaced", replaced))
	return entry, nil
}

// Remove deletes the named entry. Removing an unknown name is not an error;
// the boolean reports whether anything was removed.
func (s *Scheduler) Remove(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.table.Schedules {
		if e.Name != name {
			continue
		}
		s.table.Schedules = append(s.table.Schedules[:i], s.table.Schedules[i+1:]...)
		if err := s.persistLocked(); err != nil {
			return false, err
		}
		s.logger.Info("schedule removed", zap.String("name", name))
		return true, nil
	}
	return false, nil
}

func (s *Scheduler) List() []model.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ScheduleEntry(nil), s.table.Schedules...)
}

func (s *Scheduler) Get(name string) (model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.table.Schedules {
		if e.Name == name {
			return e, nil
		}
	}
	return model.ScheduleEntry{}, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Next returns the next fire time of an entry after its last run, or after
// its creation when it has never run.
func Next(e model.ScheduleEntry) (time.Time, error) {
	sched, err := cronexpr.Parse(e.Expr)
	if err != nil {
		return time.Time{}, err
	}
	from, err := lastEvaluated(e)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

func lastEvaluated(e model.ScheduleEntry) (time.Time, error) {
	ref := e.CreatedAt
	if e.LastRunAt != nil && *e.LastRunAt != "" {
		ref = *e.LastRunAt
	}
	t, err := time.Parse(time.RFC3339, ref)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule '%s': bad timestamp %q: %w", e.Name, ref, err)
	}
	return t, nil
}

// Tick submits the task of every entry due at now. Ticks missed while the
// process was down fire once, not once per missed occurrence. last_run_at
// is recorded even when submission fails so a broken entry is reported once
// per occurrence rather than on every tick.
func (s *Scheduler) Tick(now time.Time) ([]Firing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []Firing
	for i := range s.table.Schedules {
		e := &s.table.Schedules[i]
		next, err := Next(*e)
		if err != nil {
			fired = append(fired, Firing{Name: e.Name, Err: err})
			continue
		}
		if next.After(now) {
			continue
		}

		f := Firing{Name: e.Name}
		receipt, err := s.submitter.Submit(copyDoc(e.Task), "schedule:"+e.Name)
		if err != nil {
			f.Err = err
			s.logger.Warn("schedule submit failed", zap.String("name", e.Name), zap.Error(err))
		} else {
			f.Entry = receipt.Entry.File
			s.logger.Info("schedule fired", zap.String("name", e.Name), zap.String("entry", f.Entry))
		}
		ts := now.UTC().Format(time.RFC3339)
		e.LastRunAt = &ts
		fired = append(fired, f)
	}

	if len(fired) == 0 {
		return nil, nil
	}
	return fired, s.persistLocked()
}

// Run ticks every interval until ctx is done. onFire observes each firing.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, onFire func(Firing)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fired, err := s.Tick(s.now())
			if err != nil {
				s.logger.Error("persist schedules", zap.Error(err))
			}
			if onFire != nil {
				for _, f := range fired {
					onFire(f)
				}
			}
		}
	}
}

func (s *Scheduler) persistLocked() error {
	s.table.SchemaVersion = yamlutil.CurrentSchemaVersion
	s.table.FileType = yamlutil.FileTypeSchedules
	if s.table.Schedules == nil {
		s.table.Schedules = []model.ScheduleEntry{}
	}
	if err := yamlutil.AtomicWrite(s.path, s.table); err != nil {
		return fmt.Errorf("write schedules: %w", err)
	}
	return nil
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
