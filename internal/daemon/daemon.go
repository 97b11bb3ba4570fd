// Package daemon wires the queue, worker pool, scheduler, alert watcher and
// control surfaces into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/alert"
	"github.com/msageha/heimdall/internal/dispatch"
	"github.com/msageha/heimdall/internal/events"
	"github.com/msageha/heimdall/internal/httpapi"
	"github.com/msageha/heimdall/internal/jobrunner"
	"github.com/msageha/heimdall/internal/lock"
	"github.com/msageha/heimdall/internal/metrics"
	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/notify"
	"github.com/msageha/heimdall/internal/queue"
	"github.com/msageha/heimdall/internal/scheduler"
	"github.com/msageha/heimdall/internal/uds"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	lockFileName           = "heimdall.lock"
)

// SocketPath is where the daemon for cfg listens for CLI commands.
func SocketPath(cfg model.Config) string {
	return filepath.Join(cfg.StateDir, uds.DefaultSocketName)
}

// LockPath is the single-instance lock of the daemon for cfg.
func LockPath(cfg model.Config) string {
	return filepath.Join(cfg.StateDir, lockFileName)
}

type Daemon struct {
	cfg    model.Config
	logger *zap.Logger

	fileLock  *lock.FileLock
	bus       *events.Bus
	store     *queue.Store
	submitter *submitter
	ctrl      *Controller

	recorder   *metrics.Recorder
	journal    *events.Journal
	notifier   *notify.Fanout
	dispatcher *dispatch.Dispatcher
	schedules  *scheduler.Scheduler
	alerts     *alert.Watcher
	pool       *Pool

	server   *uds.Server
	httpSrv  *http.Server
	watcher  *fsnotify.Watcher
	unsubs   []func()
	listener net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New prepares a daemon. Nothing touches disk until Run.
func New(cfg model.Config, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus(0)
	store := queue.NewStore(cfg.QueueDir, queue.SuffixesFrom(cfg), logger)
	return &Daemon{
		cfg:       cfg,
		logger:    logger.Named("daemon"),
		fileLock:  lock.NewFileLock(LockPath(cfg)),
		bus:       bus,
		store:     store,
		submitter: &submitter{store: store, bus: bus},
		ctrl:      NewController(cfg.RateLimit, bus),
		server:    uds.NewServer(SocketPath(cfg), logger),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run starts the daemon and blocks until a signal, a shutdown command or
// the cancellation of ctx, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon starting", zap.Int("pid", os.Getpid()), zap.Bool("dry_run", d.cfg.DryRun))

	if err := d.open(); err != nil {
		d.cleanup()
		return err
	}
	d.recover()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(d.cfg.QueueDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.cfg.QueueDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Info("UDS server listening", zap.String("socket", d.server.SocketPath()))

	if err := d.startHTTP(); err != nil {
		d.cleanup()
		return err
	}

	d.startLoops()
	d.logger.Info("daemon ready",
		zap.Int("workers", d.ctrl.Concurrency()),
		zap.Duration("throttle", d.ctrl.Throttle()))

	d.waitSignals(ctx)
	return nil
}

// open builds the components that own files under the state directory.
func (d *Daemon) open() error {
	if err := d.store.Init(); err != nil {
		return err
	}
	recorder, err := metrics.NewRecorder(d.cfg.StateDir, d.logger)
	if err != nil {
		return fmt.Errorf("open metrics: %w", err)
	}
	d.recorder = recorder

	journal, err := events.Open(d.cfg.Events.File, d.cfg.Events.MaxSizeMB, d.cfg.Events.MaxBackups)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	d.journal = journal

	notifier, err := notify.New(d.cfg.Notify, d.logger)
	if err != nil {
		return fmt.Errorf("configure notifications: %w", err)
	}
	d.notifier = notifier

	d.dispatcher = dispatch.New(d.cfg, d.submitter, d.logger)
	d.dispatcher.SetNotifier(notifier, notifier.Policy, notifier.Redactor)
	d.dispatcher.SetJobRunner(jobrunner.New(d.cfg.Jobs, d.logger))

	if d.cfg.Scheduler.Enabled {
		schedules, err := scheduler.New(d.cfg.StateDir, d.submitter, d.logger)
		if err != nil {
			return fmt.Errorf("open schedules: %w", err)
		}
		d.schedules = schedules
		d.dispatcher.SetScheduler(schedules)
	}

	if d.cfg.Alerts.Enabled {
		sampler := alert.Sampler{
			Counts: d.store.Counts,
			Status: d.ctrl.Status,
			Metrics: func() (model.Metrics, error) {
				return d.recorder.Snapshot(), nil
			},
			Errors: func(since time.Time) (int, error) {
				return d.journal.CountSince("error", since)
			},
		}
		watcher, err := alert.NewWatcher(d.cfg.Alerts, d.cfg.StateDir, sampler, notifier, notifier.Policy, d.logger)
		if err != nil {
			return fmt.Errorf("open alert state: %w", err)
		}
		watcher.SetJournal(journal)
		d.alerts = watcher
	}

	d.pool = NewPool(d.cfg, d.store, d.dispatcher, d.ctrl, recorder, d.logger)
	d.pool.SetJournal(journal)
	d.pool.SetBus(d.bus)
	return nil
}

// recover settles entries a previous process left claimed and prunes old
// terminal entries.
func (d *Daemon) recover() {
	report, err := d.store.RecoverStale(d.cfg.Retry.MaxAttempts, d.cfg.Queue.StaleClaimAfter)
	if err != nil {
		d.logger.Error("recover stale claims", zap.Error(err))
	} else if report.Requeued+report.Failed > 0 {
		d.logger.Warn("recovered stale claims", zap.Int("requeued", report.Requeued), zap.Int("failed", report.Failed))
	}
	if _, err := d.store.PruneTerminal(d.cfg.Queue.KeepTerminal); err != nil {
		d.logger.Warn("prune terminal entries", zap.Error(err))
	}
}

func (d *Daemon) startHTTP() error {
	if !d.cfg.HTTP.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.HTTP.Addr, err)
	}
	d.listener = ln
	d.httpSrv = &http.Server{
		Handler:           httpapi.New(d, d.cfg, d.logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("http server", zap.Error(err))
		}
	}()
	d.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// HTTPAddr is the bound HTTP address, empty when HTTP is disabled.
func (d *Daemon) HTTPAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

func (d *Daemon) startLoops() {
	wake := func(events.Event) { d.pool.Wake() }
	d.unsubs = append(d.unsubs,
		d.bus.Subscribe(events.EventTaskEnqueued, wake),
		d.bus.Subscribe(events.EventQueueResumed, wake),
	)

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go func() {
		defer d.wg.Done()
		if err := d.pool.Run(d.ctx); err != nil {
			d.logger.Error("worker pool", zap.Error(err))
		}
	}()

	if d.schedules != nil {
		interval := time.Duration(d.cfg.Scheduler.TickSeconds) * time.Second
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_ = d.schedules.Run(d.ctx, interval, d.onFire)
		}()
	}
	if d.alerts != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_ = d.alerts.Run(d.ctx)
		}()
	}
}

// onFire journals a schedule firing and reports failures.
func (d *Daemon) onFire(f scheduler.Firing) {
	if f.Err != nil {
		_ = d.journal.Log(events.ScheduleError, f.Entry, "", map[string]any{"schedule": f.Name, "error": f.Err.Error()})
		d.dispatcher.ScheduleError(d.ctx, f.Name, f.Err)
		return
	}
	_ = d.journal.Log(events.ScheduleFired, f.Entry, "", map[string]any{"schedule": f.Name})
}

// fsnotifyLoop wakes workers when a file appears in the queue directory.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.logger.Debug("queue dir event", zap.String("op", event.Op.String()), zap.String("file", event.Name))
				d.pool.Wake()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("fsnotify", zap.Error(err))
		}
	}
}

// waitSignals blocks until shutdown is requested. A second signal exits
// immediately.
func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		go func() {
			<-sigCh
			d.logger.Warn("received second signal, forcing exit")
			os.Exit(1)
		}()
	case <-ctx.Done():
		d.logger.Info("context cancelled, initiating graceful shutdown")
	case <-d.ctx.Done():
	}
	d.Shutdown()
}

// Shutdown stops every loop and releases the lock. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")

		d.cancel()

		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()

		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if d.httpSrv != nil {
			if err := d.httpSrv.Shutdown(drainCtx); err != nil {
				d.logger.Warn("http shutdown", zap.Error(err))
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info("all goroutines drained")
		case <-drainCtx.Done():
			d.logger.Warn("shutdown timeout, some operations may be incomplete", zap.Duration("timeout", timeout))
		}

		if d.notifier != nil {
			if err := d.notifier.Wait(drainCtx); err != nil {
				d.logger.Warn("pending notifications dropped", zap.Error(err))
			}
		}

		d.cleanup()
		d.logger.Info("daemon stopped")
	})
}

// Done is closed once shutdown has been requested.
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

func (d *Daemon) cleanup() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.bus.Close()
	if d.recorder != nil {
		if err := d.recorder.Flush(); err != nil {
			d.logger.Warn("flush metrics", zap.Error(err))
		}
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	_ = os.Remove(SocketPath(d.cfg))
	_ = d.fileLock.Unlock()
}

// submitter enqueues through the store and wakes workers.
type submitter struct {
	store *queue.Store
	bus   *events.Bus
}

func (s *submitter) Submit(doc map[string]any, source string) (queue.Receipt, error) {
	rec, err := s.store.Submit(doc, source)
	if err != nil {
		return rec, err
	}
	s.bus.Publish(events.Event{
		Type:     events.EventTaskEnqueued,
		Entry:    rec.Entry.File,
		TaskType: string(rec.Task.Type),
		Data:     map[string]any{"source": source},
	})
	return rec, nil
}

// Report assembles queue depth, pool status and counters.
func (d *Daemon) Report() (metrics.Report, error) {
	counts, err := d.store.Counts()
	if err != nil {
		return metrics.Report{}, err
	}
	var m model.Metrics
	if d.recorder != nil {
		m = d.recorder.Snapshot()
	}
	return metrics.BuildReport(counts, d.ctrl.Status(), m, time.Now()), nil
}

func (d *Daemon) Pause() bool {
	changed := d.ctrl.Pause()
	if changed {
		d.logger.Info("queue paused")
	}
	return changed
}

func (d *Daemon) Resume() bool {
	changed := d.ctrl.Resume()
	if changed {
		d.logger.Info("queue resumed")
	}
	return changed
}

func (d *Daemon) Submit(doc map[string]any, source string) (queue.Receipt, error) {
	return d.submitter.Submit(doc, source)
}

func (d *Daemon) LastAlert() *alert.Result {
	if d.alerts == nil {
		return nil
	}
	return d.alerts.Last()
}
