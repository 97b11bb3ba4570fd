// Package jobrunner executes job tasks in per-run directories with a hard
// timeout, captured output, artifact collection and retention.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/model"
	yamlutil "github.com/msageha/heimdall/internal/yaml"
)

// TimeoutExitCode is reported for runs killed by their timeout.
const TimeoutExitCode = 124

const (
	StdoutFile   = "stdout.log"
	StderrFile   = "stderr.log"
	SummaryFile  = "summary.json"
	ManifestFile = "artifacts.json"
	ArtifactsDir = "artifacts"
	ArchiveDir   = "archive"

	killGrace = 2 * time.Second
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ErrJobsDisabled is returned by callers that refuse job tasks when
// jobs.enabled is off.
var ErrJobsDisabled = errors.New("jobs are disabled in config")

type Runner struct {
	jobsDir    string
	baseDir    string
	maxTimeout time.Duration
	retention  Retention
	logger     *zap.Logger
	now        func() time.Time
}

func New(cfg model.JobsConfig, logger *zap.Logger) *Runner {
	base := cfg.BaseDir
	if base == "" {
		base = "."
	}
	return &Runner{
		jobsDir:    cfg.JobsDir,
		baseDir:    base,
		maxTimeout: time.Duration(cfg.MaxSeconds) * time.Second,
		retention: Retention{
			KeepRuns:        cfg.KeepRuns,
			MaxAge:          cfg.MaxAge,
			Archive:         cfg.Archive,
			MaxArchiveBytes: cfg.MaxArchiveBytes,
		},
		logger: logger.Named("jobs"),
		now:    time.Now,
	}
}

func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Runner) JobsDir() string {
	return r.jobsDir
}

// SafeName maps a job name onto a single path segment.
func SafeName(name string) string {
	s := strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "._")
	if s == "" {
		return "job"
	}
	return s
}

// Timeout returns the effective limit for job: its own timeout capped by
// the configured maximum.
func (r *Runner) Timeout(job model.JobTask) time.Duration {
	t := time.Duration(job.Timeout) * time.Second
	if t <= 0 || (r.maxTimeout > 0 && t > r.maxTimeout) {
		t = r.maxTimeout
	}
	return t
}

// Run executes job and returns its summary. A non-zero exit or a timeout is
// reported in the summary, not as an error. err is non-nil when the run could
// not be set up, the process could not start, or ctx was cancelled while it
// ran; the summary is still written to the run directory in the last two
// cases.
func (r *Runner) Run(ctx context.Context, job model.JobTask) (model.JobSummary, error) {
	started := r.now()
	runDir, err := r.createRunDir(SafeName(job.Name), started)
	if err != nil {
		return model.JobSummary{}, err
	}

	cwd := job.Cwd
	if cwd == "" {
		cwd = "."
	}
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(r.baseDir, cwd)
	}
	if err := os.MkdirAll(cwd, 0755); err != nil {
		return model.JobSummary{}, fmt.Errorf("create cwd %s: %w", cwd, err)
	}

	summary := model.JobSummary{
		Name:       job.Name,
		RunID:      filepath.Base(runDir),
		Cwd:        cwd,
		StartedAt:  started.UTC().Format(time.RFC3339),
		RunDir:     runDir,
		StdoutPath: filepath.Join(runDir, StdoutFile),
		StderrPath: filepath.Join(runDir, StderrFile),
		Artifacts:  []string{},
	}

	argv, err := r.command(job, runDir)
	if err != nil {
		return model.JobSummary{}, err
	}
	timeout := r.Timeout(job)
	exitCode, timedOut, execErr := r.execute(ctx, argv, cwd, job.Env, summary, timeout)

	ended := r.now()
	summary.ExitCode = exitCode
	summary.TimedOut = timedOut
	summary.OK = exitCode == 0 && !timedOut && execErr == nil
	summary.DurationMs = ended.Sub(started).Milliseconds()
	summary.EndedAt = ended.UTC().Format(time.RFC3339)
	switch {
	case timedOut:
		summary.Error = fmt.Sprintf("timeout after %ds", int(timeout.Seconds()))
	case execErr != nil:
		summary.Error = execErr.Error()
	}

	records, err := CollectArtifacts(cwd, runDir, job.Artifacts)
	if err != nil {
		r.logger.Warn("artifact collection incomplete", zap.String("job", job.Name), zap.Error(err))
	}
	for _, rec := range records {
		summary.Artifacts = append(summary.Artifacts, rec.Stored)
	}
	if err := writeJSON(filepath.Join(runDir, ManifestFile), records); err != nil {
		return summary, err
	}
	if err := writeJSON(filepath.Join(runDir, SummaryFile), summary); err != nil {
		return summary, err
	}

	r.logger.Info("job finished",
		zap.String("job", job.Name),
		zap.String("run_dir", runDir),
		zap.Int("exit_code", exitCode),
		zap.Bool("timed_out", timedOut),
		zap.Int64("duration_ms", summary.DurationMs))

	if _, err := r.Prune(job.Name); err != nil {
		r.logger.Warn("job retention failed", zap.String("job", job.Name), zap.Error(err))
	}
	if execErr != nil {
		return summary, execErr
	}
	return summary, nil
}

// createRunDir makes jobs_dir/<name>/<unix>[_n], never reusing a directory.
func (r *Runner) createRunDir(name string, at time.Time) (string, error) {
	parent := filepath.Join(r.jobsDir, name)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	base := fmt.Sprintf("%d", at.Unix())
	for n := 0; ; n++ {
		dir := filepath.Join(parent, base)
		if n > 0 {
			dir = filepath.Join(parent, fmt.Sprintf("%s_%d", base, n))
		}
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create run dir: %w", err)
		}
	}
}

// command builds argv. Embedded scripts are written into the run directory
// so the run is reproducible from its own files.
func (r *Runner) command(job model.JobTask, runDir string) ([]string, error) {
	if job.Shell != "" {
		return []string{"/bin/sh", "-c", job.Shell}, nil
	}
	body, interpreter, ok := job.ScriptSource()
	if !ok {
		return nil, errors.New("job has neither shell nor script")
	}
	script, err := filepath.Abs(filepath.Join(runDir, "script"+scriptExt(interpreter)))
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(script, []byte(body), 0644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return append(strings.Fields(interpreter), script), nil
}

func scriptExt(interpreter string) string {
	base := filepath.Base(strings.Fields(interpreter + " ")[0])
	switch {
	case strings.HasPrefix(base, "python"):
		return ".py"
	case base == "sh" || base == "bash" || base == "zsh":
		return ".sh"
	case base == "node":
		return ".js"
	case base == "ruby":
		return ".rb"
	}
	return ".txt"
}

// execute runs argv in its own process group. On timeout or cancellation
// the whole group is killed so grandchildren do not outlive the run.
func (r *Runner) execute(ctx context.Context, argv []string, cwd string, env map[string]string, s model.JobSummary, timeout time.Duration) (int, bool, error) {
	stdout, err := os.Create(s.StdoutPath)
	if err != nil {
		return -1, false, fmt.Errorf("open stdout: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(s.StderrPath)
	if err != nil {
		return -1, false, fmt.Errorf("open stderr: %w", err)
	}
	defer stderr.Close()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGrace

	err = cmd.Run()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut {
		return TimeoutExitCode, true, nil
	}
	if err == nil {
		return 0, false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return exitErr.ExitCode(), false, fmt.Errorf("cancelled: %w", ctx.Err())
		}
		return exitErr.ExitCode(), false, nil
	}
	return -1, false, fmt.Errorf("start: %w", err)
}

// mergeEnv applies overrides on top of base. Later entries win in exec.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := yamlutil.AtomicWriteText(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadSummary loads summary.json from a run directory.
func ReadSummary(runDir string) (model.JobSummary, error) {
	var s model.JobSummary
	data, err := os.ReadFile(filepath.Join(runDir, SummaryFile))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", SummaryFile, err)
	}
	return s, nil
}
