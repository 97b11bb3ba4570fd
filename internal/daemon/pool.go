package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/msageha/heimdall/internal/dispatch"
	"github.com/msageha/heimdall/internal/events"
	"github.com/msageha/heimdall/internal/metrics"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/queue"
	"github.com/msageha/heimdall/internal/validate"
)

// Dispatcher executes one validated task.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *model.Task, entry string) (dispatch.Outcome, error)
}

// Pool runs the configured number of workers against one queue directory.
// Workers coordinate only through the store's claim rename.
type Pool struct {
	store      *queue.Store
	dispatcher Dispatcher
	ctrl       *Controller
	recorder   *metrics.Recorder
	journal    *events.Journal
	bus        *events.Bus
	retry      RetryPolicy
	poll       time.Duration
	logger     *zap.Logger
	now        func() time.Time

	wake chan struct{}
}

func NewPool(cfg model.Config, store *queue.Store, dispatcher Dispatcher, ctrl *Controller, recorder *metrics.Recorder, logger *zap.Logger) *Pool {
	return &Pool{
		store:      store,
		dispatcher: dispatcher,
		ctrl:       ctrl,
		recorder:   recorder,
		retry:      NewRetryPolicy(cfg.Retry),
		poll:       time.Duration(cfg.PollSeconds) * time.Second,
		logger:     logger.Named("pool"),
		now:        time.Now,
		wake:       make(chan struct{}, ctrl.Concurrency()),
	}
}

// SetJournal records every settle in the event journal.
func (p *Pool) SetJournal(j *events.Journal) {
	p.journal = j
}

// SetBus publishes EventTaskSettled after every settle.
func (p *Pool) SetBus(b *events.Bus) {
	p.bus = b
}

// Wake cuts the poll wait of idle workers short.
func (p *Pool) Wake() {
	for range cap(p.wake) {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Run blocks until ctx is done and every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.ctrl.Concurrency(); i++ {
		id := i
		g.Go(func() error {
			p.worker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	p.ctrl.workerStarted()
	defer p.ctrl.workerStopped()

	logger := p.logger.With(zap.Int("worker", id))
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	var limiter *rate.Limiter
	if t := p.ctrl.Throttle(); t > 0 {
		limiter = rate.NewLimiter(rate.Every(t), 1)
	}

	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	for {
		if err := p.recorder.Beat(p.now()); err != nil {
			logger.Warn("heartbeat", zap.Error(err))
		}

		if p.ctrl.Paused() {
			p.ctrl.setOutcome(model.PollPaused)
		} else {
			n, err := p.pass(ctx, logger, limiter)
			if err != nil && ctx.Err() == nil {
				logger.Error("poll", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
			if n > 0 {
				p.ctrl.setOutcome(model.PollActive)
				continue
			}
			p.ctrl.setOutcome(model.PollIdle)
		}

		timer.Reset(p.poll)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// pass walks the pending entries oldest first and processes every one this
// worker manages to claim. It returns the number processed.
func (p *Pool) pass(ctx context.Context, logger *zap.Logger, limiter *rate.Limiter) (int, error) {
	entries, err := p.store.Pending()
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, e := range entries {
		if ctx.Err() != nil || p.ctrl.Paused() {
			break
		}
		meta, err := p.store.Peek(e)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("peek", zap.String("entry", e.File), zap.Error(err))
			continue
		}
		if !queue.Ready(meta, p.now()) {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		claim, err := p.store.Claim(e)
		if errors.Is(err, queue.ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			logger.Warn("claim", zap.String("entry", e.File), zap.Error(err))
			continue
		}
		p.process(ctx, logger, claim)
		processed++
	}
	return processed, nil
}

// process validates, dispatches and settles one claim.
func (p *Pool) process(ctx context.Context, logger *zap.Logger, c *queue.Claim) {
	start := p.now()
	taskType := claimType(c)
	logger = logger.With(zap.String("entry", c.Entry.File), zap.String("type", taskType),
		zap.Int("attempt", c.Attempt()), zap.String("claim", c.ID))

	if c.ParseErr != nil {
		p.settleInvalid(logger, c, taskType, fmt.Errorf("parse error: %w", c.ParseErr))
		return
	}
	res := validate.Validate(c.Doc)
	if !res.OK {
		p.settleInvalid(logger, c, taskType, errors.New("validation failed: "+strings.Join(validate.Messages(res.Errors), "; ")))
		return
	}

	out, err := p.safeDispatch(ctx, res.Task, c.Entry.File)
	duration := p.now().Sub(start)
	if err == nil {
		p.settleDone(logger, c, taskType, out, duration)
		return
	}

	attempt := c.Attempt()
	if dispatch.IsPermanent(err) {
		p.settleError(logger, c, taskType, err, duration, "permanent")
		return
	}
	if ok, reason := p.retry.ShouldRetry(attempt); !ok {
		p.settleError(logger, c, taskType, err, duration, reason)
		return
	}
	p.settleRetry(logger, c, taskType, err, duration)
}

// safeDispatch turns a handler panic into a handler error.
func (p *Pool) safeDispatch(ctx context.Context, task *model.Task, entry string) (out dispatch.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic", zap.String("entry", entry), zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.dispatcher.Dispatch(ctx, task, entry)
}

func (p *Pool) settleDone(logger *zap.Logger, c *queue.Claim, taskType string, out dispatch.Outcome, duration time.Duration) {
	if err := p.store.Complete(c); err != nil {
		logger.Error("complete", zap.Error(err))
		return
	}
	p.bump(logger, taskType, true)

	details := map[string]any{"duration_ms": duration.Milliseconds()}
	if len(out.Written) > 0 {
		details["written"] = out.Written
	}
	if len(out.Enqueued) > 0 {
		details["enqueued"] = out.Enqueued
	}
	if out.Job != nil {
		details["run_id"] = out.Job.RunID
		details["exit_code"] = out.Job.ExitCode
	}
	if out.Skipped != nil {
		details["skipped"] = out.Skipped.Error()
	}
	p.record(events.TaskDone, c, taskType, details)
	logger.Info("task done", zap.Int64("duration_ms", duration.Milliseconds()))
}

func (p *Pool) settleError(logger *zap.Logger, c *queue.Claim, taskType string, cause error, duration time.Duration, reason string) {
	if err := p.store.Fail(c, cause); err != nil {
		logger.Error("fail", zap.Error(err))
		return
	}
	p.bump(logger, taskType, false)
	p.record(events.TaskError, c, taskType, map[string]any{
		"error":       cause.Error(),
		"reason":      reason,
		"duration_ms": duration.Milliseconds(),
	})
	logger.Error("task failed", zap.Error(cause), zap.String("reason", reason))
}

func (p *Pool) settleRetry(logger *zap.Logger, c *queue.Claim, taskType string, cause error, duration time.Duration) {
	attempt := c.Attempt()
	backoff := p.retry.Backoff(attempt)
	notBefore := p.now().Add(backoff)
	if err := p.store.Retry(c, cause, notBefore); err != nil {
		logger.Error("retry", zap.Error(err))
		return
	}
	p.record(events.TaskRetry, c, taskType, map[string]any{
		"error":       cause.Error(),
		"backoff_s":   backoff.Seconds(),
		"duration_ms": duration.Milliseconds(),
	})
	logger.Warn("task retry scheduled", zap.Error(cause), zap.Duration("backoff", backoff))
}

// settleInvalid moves an entry that can never run straight to error.
func (p *Pool) settleInvalid(logger *zap.Logger, c *queue.Claim, taskType string, cause error) {
	if err := p.store.Fail(c, cause); err != nil {
		logger.Error("fail", zap.Error(err))
		return
	}
	p.bump(logger, taskType, false)
	p.record(events.TaskInvalid, c, taskType, map[string]any{"error": cause.Error()})
	logger.Error("task invalid", zap.Error(cause))
}

func (p *Pool) bump(logger *zap.Logger, taskType string, ok bool) {
	if err := p.recorder.Bump(taskType, ok); err != nil {
		logger.Warn("metrics", zap.Error(err))
	}
}

func (p *Pool) record(event string, c *queue.Claim, taskType string, details map[string]any) {
	if p.journal != nil {
		if err := p.journal.Log(event, c.Entry.Name, taskType, details); err != nil {
			p.logger.Warn("journal", zap.String("event", event), zap.Error(err))
		}
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:     events.EventTaskSettled,
			Entry:    c.Entry.File,
			TaskType: taskType,
			Data:     map[string]any{"event": event, "state": string(c.Entry.State)},
		})
	}
}

// claimType names the task type of a claim, falling back to the entry name
// when the document is unreadable.
func claimType(c *queue.Claim) string {
	if t, ok := c.Doc["type"].(string); ok && t != "" {
		return t
	}
	if n, err := model.ParseEntryBase(c.Entry.Name); err == nil {
		return n.Type
	}
	return "unknown"
}
