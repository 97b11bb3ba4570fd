package jobrunner

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Retention bounds the run history kept per job name.
type Retention struct {
	// KeepRuns keeps the newest N runs; zero disables the count limit.
	KeepRuns int
	// MaxAge drops runs started longer ago; zero disables the age limit.
	MaxAge time.Duration
	// Archive compacts pruned runs into archive/<run>.zip instead of deleting them.
	Archive bool
	// MaxArchiveBytes trims archives oldest first; zero disables the limit.
	MaxArchiveBytes int64
}

type PruneReport struct {
	Removed         []string `json:"removed"`
	Archived        []string `json:"archived"`
	ArchivesDropped []string `json:"archives_dropped"`
}

func (p *PruneReport) merge(o PruneReport) {
	p.Removed = append(p.Removed, o.Removed...)
	p.Archived = append(p.Archived, o.Archived...)
	p.ArchivesDropped = append(p.ArchivesDropped, o.ArchivesDropped...)
}

var runDirPattern = regexp.MustCompile(`^([0-9]+)(?:_([0-9]+))?$`)

type runDir struct {
	name string
	unix int64
	seq  int
}

// Prune applies retention to the runs of one job.
func (r *Runner) Prune(name string) (PruneReport, error) {
	report := PruneReport{Removed: []string{}, Archived: []string{}, ArchivesDropped: []string{}}
	dir := filepath.Join(r.jobsDir, SafeName(name))

	runs, err := listRuns(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}
		return report, err
	}

	now := r.now()
	var errs []error
	for i, run := range runs {
		// runs are newest first
		overCount := r.retention.KeepRuns > 0 && i >= r.retention.KeepRuns
		overAge := r.retention.MaxAge > 0 && now.Sub(time.Unix(run.unix, 0)) > r.retention.MaxAge
		if !overCount && !overAge {
			continue
		}
		path := filepath.Join(dir, run.name)
		if r.retention.Archive {
			zipPath := filepath.Join(dir, ArchiveDir, run.name+".zip")
			if err := zipDir(path, zipPath); err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", run.name, err))
				continue
			}
			report.Archived = append(report.Archived, zipPath)
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", run.name, err))
			continue
		}
		report.Removed = append(report.Removed, path)
	}

	if r.retention.Archive && r.retention.MaxArchiveBytes > 0 {
		dropped, err := trimArchives(filepath.Join(dir, ArchiveDir), r.retention.MaxArchiveBytes)
		if err != nil {
			errs = append(errs, err)
		}
		report.ArchivesDropped = dropped
	}

	if len(report.Removed) > 0 || len(report.ArchivesDropped) > 0 {
		r.logger.Info("job runs pruned",
			zap.String("job", name),
			zap.Int("removed", len(report.Removed)),
			zap.Int("archived", len(report.Archived)),
			zap.Int("archives_dropped", len(report.ArchivesDropped)))
	}
	return report, errors.Join(errs...)
}

// PruneAll applies retention to every job under the jobs directory.
func (r *Runner) PruneAll() (PruneReport, error) {
	total := PruneReport{Removed: []string{}, Archived: []string{}, ArchivesDropped: []string{}}
	entries, err := os.ReadDir(r.jobsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return total, nil
		}
		return total, fmt.Errorf("read jobs dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rep, err := r.Prune(e.Name())
		total.merge(rep)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// listRuns returns run directories newest first.
func listRuns(dir string) ([]runDir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var runs []runDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, ok := parseRun(e.Name())
		if !ok {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[j].before(runs[i])
	})
	return runs, nil
}

// zipDir writes every file under src into a new zip at dst. The archive is
// built under a temp name so a crash never leaves a truncated zip behind.
func zipDir(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})

	closeErr := zw.Close()
	if err := f.Close(); closeErr == nil {
		closeErr = err
	}
	if err := errors.Join(walkErr, closeErr); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// trimArchives removes the oldest archives until the total size fits.
func trimArchives(dir string, maxBytes int64) ([]string, error) {
	dropped := []string{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return dropped, nil
		}
		return dropped, err
	}

	type archive struct {
		name string
		size int64
	}
	var archives []archive
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archive{name: e.Name(), size: info.Size()})
		total += info.Size()
	}
	sort.Slice(archives, func(i, j int) bool {
		return runLess(strings.TrimSuffix(archives[i].name, ".zip"), strings.TrimSuffix(archives[j].name, ".zip"))
	})

	for _, a := range archives {
		if total <= maxBytes {
			break
		}
		path := filepath.Join(dir, a.name)
		if err := os.Remove(path); err != nil {
			return dropped, fmt.Errorf("remove archive %s: %w", a.name, err)
		}
		total -= a.size
		dropped = append(dropped, path)
	}
	return dropped, nil
}

// runLess orders run names by start time, then sequence.
func runLess(a, b string) bool {
	ra, okA := parseRun(a)
	rb, okB := parseRun(b)
	if !okA || !okB {
		return a < b
	}
	return ra.before(rb)
}

func parseRun(name string) (runDir, bool) {
	m := runDirPattern.FindStringSubmatch(name)
	if m == nil {
		return runDir{}, false
	}
	run := runDir{name: name}
	run.unix, _ = strconv.ParseInt(m[1], 10, 64)
	if m[2] != "" {
		run.seq, _ = strconv.Atoi(m[2])
	}
	return run, true
}

func (d runDir) before(o runDir) bool {
	if d.unix != o.unix {
		return d.unix < o.unix
	}
	return d.seq < o.seq
}
