// Package dispatch routes a validated task to the handler for its type.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/jobrunner"
	"github.com/msageha/heimdall/internal/lock"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/notify"
	"github.com/msageha/heimdall/internal/queue"
)

// ErrDryRun is reported in Outcome.Skipped when dry-run suppressed the work.
var ErrDryRun = errors.New("dry run")

// PermanentError marks a handler failure that a retry cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Submitter enqueues follow-up tasks through normal validation.
type Submitter interface {
	Submit(doc map[string]any, source string) (queue.Receipt, error)
}

// JobRunner executes job tasks.
type JobRunner interface {
	Run(ctx context.Context, job model.JobTask) (model.JobSummary, error)
}

// ScheduleTable applies schedule upserts and removals.
type ScheduleTable interface {
	Apply(task model.ScheduleTask) error
}

// Outcome describes what a handler did.
type Outcome struct {
	Written  []string          `json:"written,omitempty"`
	Enqueued []string          `json:"enqueued,omitempty"`
	Job      *model.JobSummary `json:"job,omitempty"`
	// Skipped is set when the handler intentionally did nothing.
	Skipped error `json:"-"`
}

type Dispatcher struct {
	cfg       model.Config
	submitter Submitter
	jobs      JobRunner
	schedules ScheduleTable
	notifier  notify.Notifier
	policy    notify.Policy
	redactor  *notify.Redactor
	client    *http.Client
	// outputs serializes writers of the same generated file.
	outputs *lock.MutexMap
	logger  *zap.Logger
}

func New(cfg model.Config, submitter Submitter, logger *zap.Logger) *Dispatcher {
	// An empty redaction config always compiles.
	redactor, _ := notify.NewRedactor(model.RedactConfig{})
	return &Dispatcher{
		cfg:       cfg,
		submitter: submitter,
		notifier:  notify.Nop{},
		redactor:  redactor,
		client:    &http.Client{Timeout: reloadTimeout},
		outputs:   lock.NewMutexMap(),
		logger:    logger.Named("dispatch"),
	}
}

func (d *Dispatcher) SetJobRunner(r JobRunner) {
	d.jobs = r
}

func (d *Dispatcher) SetScheduler(s ScheduleTable) {
	d.schedules = s
}

// SetNotifier routes job results and schedule errors to n, gated by policy.
func (d *Dispatcher) SetNotifier(n notify.Notifier, policy notify.Policy, redactor *notify.Redactor) {
	d.notifier = n
	d.policy = policy
	if redactor != nil {
		d.redactor = redactor
	}
}

// SetHTTPClient overrides the client used for auto-reload requests.
func (d *Dispatcher) SetHTTPClient(c *http.Client) {
	d.client = c
}

// Dispatch runs the handler for task. entry names the queue entry the task
// came from and is recorded as the source of any fanned-out sub-tasks.
func (d *Dispatcher) Dispatch(ctx context.Context, task *model.Task, entry string) (Outcome, error) {
	switch task.Type {
	case model.TaskScaffoldRoute:
		out, err := d.scaffoldRoute(task.Route)
		if err == nil {
			d.afterChange(ctx)
		}
		return out, err
	case model.TaskScaffoldModel:
		return d.scaffoldModel(task.Model)
	case model.TaskScaffoldCrud:
		out, err := d.scaffoldCrud(task.Crud)
		if err == nil {
			d.afterChange(ctx)
		}
		return out, err
	case model.TaskRunMigration:
		out, err := d.runMigration(ctx, task.Migration)
		if errors.Is(err, ErrNoDatabaseURL) {
			return out, Permanent(err)
		}
		return out, err
	case model.TaskBundle:
		return d.submitAll(task.Bundle.Tasks, "bundle:"+entry)
	case model.TaskSpec:
		return d.submitAll(specTasks(task.Spec, d.cfg.Generate.MigrationsDir), "spec:"+entry)
	case model.TaskJob:
		return d.runJob(ctx, task.Job)
	case model.TaskSchedule:
		return d.applySchedule(ctx, task.Schedule)
	}
	return Outcome{}, Permanent(fmt.Errorf("no handler for task type %q", task.Type))
}

// submitAll enqueues each document in order. Documents accepted before a
// failure stay queued.
func (d *Dispatcher) submitAll(docs []map[string]any, source string) (Outcome, error) {
	var out Outcome
	for i, doc := range docs {
		rec, err := d.submitter.Submit(doc, source)
		if err != nil {
			var rejected *queue.RejectedError
			if errors.As(err, &rejected) {
				return out, Permanent(fmt.Errorf("sub-task %d: %w", i, err))
			}
			return out, fmt.Errorf("sub-task %d: %w", i, err)
		}
		out.Enqueued = append(out.Enqueued, rec.Entry.File)
	}
	d.logger.Info("fanned out", zap.String("source", source), zap.Strings("entries", out.Enqueued))
	return out, nil
}

// specTasks expands a spec into model, migration, CRUD and extra route tasks.
func specTasks(s *model.SpecTask, migrationsDir string) []map[string]any {
	name := safeName(firstOf(s.Name, s.Resource), "feature")
	resource := safeName(firstOf(s.Resource, name), name)
	storage, ok := model.NormalizeStorage(s.Storage)
	if !ok {
		storage = model.StorageMemory
	}
	table := s.Table
	if table == "" {
		table = resource
		if storage == model.StoragePersistent {
			table = resource + "s"
		}
	}

	hasID := false
	for _, c := range s.Fields {
		if c.Name == "id" {
			hasID = true
			break
		}
	}
	var columns, fields []any
	if !hasID {
		columns = append(columns, map[string]any{"name": "id", "type": "bigserial", "primary_key": true})
	}
	for _, c := range s.Fields {
		col := map[string]any{"name": c.Name, "type": c.Type}
		if c.NotNull {
			col["not_null"] = true
		}
		if c.Default != nil {
			col["default"] = c.Default
		}
		if c.PrimaryKey {
			col["primary_key"] = true
		}
		columns = append(columns, col)
		if c.Name == "id" {
			continue
		}
		field := map[string]any{"name": c.Name, "type": c.Type}
		if c.Default != nil {
			field["default"] = c.Default
		}
		fields = append(fields, field)
	}

	crud := map[string]any{
		"type":     string(model.TaskScaffoldCrud),
		"resource": resource,
		"storage":  storage,
		"fields":   fields,
	}
	if storage == model.StoragePersistent {
		crud["table"] = table
	}
	docs := []map[string]any{
		{"type": string(model.TaskScaffoldModel), "name": name, "table": table, "columns": columns},
		{"type": string(model.TaskRunMigration), "file": filepath.Join(migrationsDir, name+".sql")},
		crud,
	}
	for _, r := range s.Routes {
		route := map[string]any{
			"type":   string(model.TaskScaffoldRoute),
			"name":   safeName(r.Name, resource+"_extra"),
			"method": firstOf(r.Method, "GET"),
			"path":   firstOf(r.Path, "/"+resource+"/extra"),
		}
		if r.Response != nil {
			route["response"] = r.Response
		} else {
			route["response"] = map[string]any{"ok": true}
		}
		docs = append(docs, route)
	}
	return docs
}

// runJob runs a job and reports it per the notify policy. A job that exits
// non-zero or times out still completes the task. A run that could not start
// or was cancelled fails it, so the entry goes through retry.
func (d *Dispatcher) runJob(ctx context.Context, job *model.JobTask) (Outcome, error) {
	if !d.cfg.Jobs.Enabled {
		return Outcome{}, Permanent(jobrunner.ErrJobsDisabled)
	}
	if d.jobs == nil {
		return Outcome{}, Permanent(errors.New("job runner not configured"))
	}
	summary, err := d.jobs.Run(ctx, *job)
	if err != nil {
		summary.Name = job.Name
		summary.OK = false
		if summary.Error == "" {
			summary.ExitCode = -1
			summary.Error = err.Error()
		}
	}
	if d.policy.ShouldNotify(notify.KindJob, job.Notify, summary.OK) {
		if nerr := d.notifier.Notify(ctx, notify.JobMessage(summary, d.redactor)); nerr != nil {
			d.logger.Warn("job notify failed", zap.String("job", job.Name), zap.Error(nerr))
		}
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("job %s: %w", job.Name, err)
	}
	return Outcome{Job: &summary}, nil
}

func (d *Dispatcher) applySchedule(ctx context.Context, task *model.ScheduleTask) (Outcome, error) {
	if d.schedules == nil {
		return Outcome{}, Permanent(errors.New("scheduler not configured"))
	}
	if err := d.schedules.Apply(*task); err != nil {
		d.ScheduleError(ctx, task.Name, err)
		return Outcome{}, fmt.Errorf("schedule %s: %w", task.Name, err)
	}
	return Outcome{}, nil
}

// ScheduleError reports a schedule failure per the notify policy.
func (d *Dispatcher) ScheduleError(ctx context.Context, name string, cause error) {
	if !d.policy.ShouldNotify(notify.KindScheduleError, nil, false) {
		return
	}
	if err := d.notifier.Notify(ctx, notify.ScheduleErrorMessage(name, cause.Error())); err != nil {
		d.logger.Warn("schedule notify failed", zap.String("schedule", name), zap.Error(err))
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
