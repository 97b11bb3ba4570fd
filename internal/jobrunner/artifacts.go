package jobrunner

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/msageha/heimdall/internal/model"
)

// CollectArtifacts resolves each glob against cwd after the run and copies
// the matched regular files into runDir/artifacts, preserving their relative
// paths. A file matched by several patterns is stored once.
func CollectArtifacts(cwd, runDir string, patterns []string) ([]model.ArtifactRecord, error) {
	records := []model.ArtifactRecord{}
	if len(patterns) == 0 {
		return records, nil
	}
	fsys := os.DirFS(cwd)
	seen := make(map[string]bool)
	var errs []error

	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Errorf("artifact pattern %q: %w", pattern, doublestar.ErrBadPattern))
			continue
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			errs = append(errs, fmt.Errorf("artifact pattern %q: %w", pattern, err))
			continue
		}
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			seen[rel] = true
			stored := filepath.Join(ArtifactsDir, filepath.FromSlash(rel))
			size, err := copyArtifact(filepath.Join(cwd, filepath.FromSlash(rel)), filepath.Join(runDir, stored))
			if err != nil {
				errs = append(errs, fmt.Errorf("copy artifact %s: %w", rel, err))
				continue
			}
			records = append(records, model.ArtifactRecord{
				Pattern: pattern,
				Source:  rel,
				Stored:  filepath.ToSlash(stored),
				Size:    size,
			})
		}
	}
	return records, errors.Join(errs...)
}

func copyArtifact(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, &fs.PathError{Op: "copy", Path: src, Err: errors.New("not a regular file")}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
