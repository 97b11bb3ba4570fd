// Package queue is the durable, directory-backed task queue.
//
// Every queue mutation is a rename within one directory: enqueue publishes a
// fully written temp file under its final name, and claim renames a pending
// entry to its processing name so at most one worker ever runs it.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/heimdall/internal/model"
	"github.com/msageha/heimdall/internal/validate"
	yamlutil "github.com/msageha/heimdall/internal/yaml"
)

var (
	ErrAlreadyClaimed = errors.New("entry already claimed")
	ErrNotFound       = errors.New("entry not found")
)

// RejectedError is returned by Submit when the document fails validation.
// Nothing is written.
type RejectedError struct {
	Errors   []validate.Issue
	Warnings []validate.Issue
}

func (e *RejectedError) Error() string {
	return "task rejected: " + strings.Join(validate.Messages(e.Errors), "; ")
}

// Receipt describes an accepted submission.
type Receipt struct {
	Entry    Entry
	Task     *model.Task
	Warnings []validate.Issue
}

// Claim is an entry this process owns until it is settled with Complete,
// Fail or Retry.
type Claim struct {
	ID    string
	Entry Entry
	Doc   map[string]any
	Meta  model.EntryMeta

	// ParseErr is set when the entry could not be decoded. Raw holds its bytes.
	ParseErr error
	Raw      []byte
}

// Attempt is the 1-based number of the attempt this claim represents.
func (c *Claim) Attempt() int {
	return c.Meta.Attempts + 1
}

type Store struct {
	dir      string
	suffixes Suffixes
	logger   *zap.Logger
	now      func() time.Time

	// mu keeps name reservation in Enqueue consistent with state renames.
	mu       sync.Mutex
	lastUnix int64
	lastSeq  int
	counts   singleflight.Group
}

func NewStore(dir string, suffixes Suffixes, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:      dir,
		suffixes: suffixes,
		logger:   logger.Named("queue"),
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	return nil
}

func (s *Store) path(file string) string {
	return filepath.Join(s.dir, file)
}

// Submit validates doc and enqueues it. A rejected document returns
// *RejectedError and leaves the queue untouched.
func (s *Store) Submit(doc map[string]any, source string) (Receipt, error) {
	res := validate.Validate(model.StripMeta(doc))
	if !res.OK {
		return Receipt{Warnings: res.Warnings}, &RejectedError{Errors: res.Errors, Warnings: res.Warnings}
	}
	e, err := s.Enqueue(string(res.Task.Type), res.Task.Doc, model.EntryMeta{Source: source})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Entry: e, Task: res.Task, Warnings: res.Warnings}, nil
}

// SubmitRaw parses raw YAML or JSON text and submits the document.
func (s *Store) SubmitRaw(raw []byte, source string) (Receipt, error) {
	doc, err := validate.Decode(raw)
	if err != nil {
		return Receipt{}, &RejectedError{Errors: []validate.Issue{{Message: err.Error()}}}
	}
	return s.Submit(doc, source)
}

// Enqueue writes doc as a new pending entry without validating it. The
// entry name never reuses one held by an entry in any state.
func (s *Store) Enqueue(taskType string, doc map[string]any, meta model.EntryMeta) (Entry, error) {
	now := s.now()
	if meta.EnqueuedAt == "" {
		meta.EnqueuedAt = now.UTC().Format(time.RFC3339)
	}
	body := model.StripMeta(doc)
	body[model.MetaKey] = meta.ToMap()
	content, err := yamlv3.Marshal(body)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}

	name := model.NewEntryName(taskType, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Entries published by this store within one second keep their
	// submission order whatever their type.
	if name.Unix == s.lastUnix {
		name.Seq = s.lastSeq + 1
	}
	for {
		e := Entry{Name: name.Base(), At: name.Time(), seq: name.Seq, ext: defaultExt}
		e = s.suffixes.withState(e, model.StatePending)
		if s.occupied(e) {
			name.Seq++
			continue
		}
		err := yamlutil.Publish(s.path(e.File), content)
		if errors.Is(err, yamlutil.ErrExists) {
			name.Seq++
			continue
		}
		if err != nil {
			return Entry{}, fmt.Errorf("enqueue %s: %w", e.Name, err)
		}
		e.Modified = now
		s.lastUnix, s.lastSeq = name.Unix, name.Seq
		s.logger.Debug("enqueued", zap.String("entry", e.File), zap.String("source", meta.Source))
		return e, nil
	}
}

func (s *Store) occupied(e Entry) bool {
	for _, st := range []model.EntryState{model.StateProcessing, model.StateDone, model.StateError} {
		if _, err := os.Lstat(s.path(s.suffixes.fileFor(e, st))); err == nil {
			return true
		}
	}
	return false
}

// Pending lists claimable entries oldest first.
func (s *Store) Pending() ([]Entry, error) {
	return s.List(model.StatePending)
}

// List returns the entries in state, ordered by enqueue time. Entries whose
// names carry no timestamp are ordered by modification time.
func (s *Store) List(state model.EntryState) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	var out []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		e, ok := s.suffixes.classify(de.Name())
		if !ok || e.State != state {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		e.Modified = info.ModTime()
		if e.At.IsZero() {
			e.At = e.Modified
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Peek reads a pending entry's metadata without claiming it. Undecodable
// entries yield zero metadata so they are still claimed and settled.
func (s *Store) Peek(e Entry) (model.EntryMeta, error) {
	raw, err := os.ReadFile(s.path(e.File))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.EntryMeta{}, ErrNotFound
		}
		return model.EntryMeta{}, fmt.Errorf("read %s: %w", e.File, err)
	}
	doc, err := validate.Decode(raw)
	if err != nil {
		return model.EntryMeta{}, nil
	}
	return decodeMeta(doc[model.MetaKey]), nil
}

// Ready reports whether meta allows the entry to run at now.
func Ready(meta model.EntryMeta, now time.Time) bool {
	if meta.NotBefore == "" {
		return true
	}
	nb, err := time.Parse(time.RFC3339, meta.NotBefore)
	if err != nil {
		return true
	}
	return !now.Before(nb)
}

// Claim atomically moves a pending entry to processing. Exactly one caller
// wins; every other caller gets ErrAlreadyClaimed.
func (s *Store) Claim(e Entry) (*Claim, error) {
	if e.State != model.StatePending {
		return nil, fmt.Errorf("claim %s: %w", e.File, model.ValidateEntryTransition(e.State, model.StateProcessing))
	}
	dst := s.suffixes.withState(e, model.StateProcessing)

	s.mu.Lock()
	err := os.Rename(s.path(e.File), s.path(dst.File))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("claim %s: %w", e.File, err)
	}

	now := s.now()
	_ = os.Chtimes(s.path(dst.File), now, now)
	dst.Modified = now

	c := s.load(dst)
	c.ID = uuid.NewString()
	s.logger.Debug("claimed", zap.String("entry", dst.File), zap.String("claim", c.ID))
	return c, nil
}

// load reads an owned entry into a Claim.
func (s *Store) load(e Entry) *Claim {
	c := &Claim{Entry: e}
	raw, err := os.ReadFile(s.path(e.File))
	if err != nil {
		c.ParseErr = fmt.Errorf("read entry: %w", err)
		return c
	}
	c.Raw = raw
	doc, err := validate.Decode(raw)
	if err != nil {
		c.ParseErr = err
		return c
	}
	c.Meta = decodeMeta(doc[model.MetaKey])
	c.Doc = model.StripMeta(doc)
	return c
}

// Read returns the document and metadata of any entry.
func (s *Store) Read(e Entry) (map[string]any, model.EntryMeta, error) {
	c := s.load(e)
	if c.ParseErr != nil {
		if errors.Is(c.ParseErr, fs.ErrNotExist) {
			return nil, model.EntryMeta{}, ErrNotFound
		}
		return nil, model.EntryMeta{}, c.ParseErr
	}
	return c.Doc, c.Meta, nil
}

// Complete moves a claimed entry to done.
func (s *Store) Complete(c *Claim) error {
	return s.move(c, model.StateDone)
}

// Fail records cause and moves a claimed entry to error. An undecodable
// entry is replaced by a document preserving its original bytes.
func (s *Store) Fail(c *Claim, cause error) error {
	meta := c.Meta
	meta.Attempts = c.Attempt()
	meta.NotBefore = ""
	meta.LastError = cause.Error()

	body := map[string]any{}
	if c.ParseErr != nil {
		meta.Raw = string(c.Raw)
	} else {
		body = model.StripMeta(c.Doc)
	}
	body[model.MetaKey] = meta.ToMap()
	if err := s.rewrite(c.Entry, body); err != nil {
		return err
	}
	return s.move(c, model.StateError)
}

// Retry records the failed attempt and returns a claimed entry to pending,
// not to be claimed again before notBefore.
func (s *Store) Retry(c *Claim, cause error, notBefore time.Time) error {
	meta := c.Meta
	meta.Attempts = c.Attempt()
	meta.LastError = cause.Error()
	meta.NotBefore = ""
	if !notBefore.IsZero() {
		meta.NotBefore = notBefore.UTC().Format(time.RFC3339)
	}

	body := model.StripMeta(c.Doc)
	body[model.MetaKey] = meta.ToMap()
	if err := s.rewrite(c.Entry, body); err != nil {
		return err
	}
	return s.move(c, model.StatePending)
}

func (s *Store) rewrite(e Entry, body map[string]any) error {
	var content []byte
	var err error
	if e.ext == ".json" {
		content, err = json.MarshalIndent(body, "", "  ")
	} else {
		content, err = yamlv3.Marshal(body)
	}
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.File, err)
	}
	if err := yamlutil.AtomicWriteText(s.path(e.File), content); err != nil {
		return fmt.Errorf("rewrite %s: %w", e.File, err)
	}
	return nil
}

func (s *Store) move(c *Claim, to model.EntryState) error {
	if err := model.ValidateEntryTransition(c.Entry.State, to); err != nil {
		return fmt.Errorf("settle %s: %w", c.Entry.File, err)
	}
	dst := s.suffixes.withState(c.Entry, to)

	s.mu.Lock()
	err := os.Rename(s.path(c.Entry.File), s.path(dst.File))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("settle %s: %w", c.Entry.File, ErrNotFound)
		}
		return fmt.Errorf("settle %s: %w", c.Entry.File, err)
	}

	now := s.now()
	_ = os.Chtimes(s.path(dst.File), now, now)
	dst.Modified = now
	c.Entry = dst
	s.logger.Debug("settled", zap.String("entry", dst.File), zap.String("state", string(to)))
	return nil
}

// RecoverReport summarizes a RecoverStale pass.
type RecoverReport struct {
	Requeued int
	Failed   int
}

// RecoverStale settles processing entries left behind by a previous
// process. The interrupted run counts as an attempt: entries with attempts
// left return to pending, the rest move to error. Entries claimed less than
// olderThan ago are left alone.
func (s *Store) RecoverStale(maxAttempts int, olderThan time.Duration) (RecoverReport, error) {
	var report RecoverReport
	entries, err := s.List(model.StateProcessing)
	if err != nil {
		return report, err
	}
	now := s.now()
	cause := errors.New("interrupted: processing did not finish before restart")
	for _, e := range entries {
		if olderThan > 0 && now.Sub(e.Modified) < olderThan {
			continue
		}
		c := s.load(e)
		if c.ParseErr != nil || c.Attempt() >= maxAttempts {
			if err := s.Fail(c, cause); err != nil {
				return report, err
			}
			report.Failed++
			s.logger.Warn("stale claim failed", zap.String("entry", e.File), zap.Int("attempt", c.Meta.Attempts))
			continue
		}
		if err := s.Retry(c, cause, time.Time{}); err != nil {
			return report, err
		}
		report.Requeued++
		s.logger.Info("stale claim requeued", zap.String("entry", e.File), zap.Int("attempt", c.Meta.Attempts))
	}
	return report, nil
}

// Counts returns queue depth by state. Concurrent callers share one scan.
func (s *Store) Counts() (model.QueueCounts, error) {
	v, err, _ := s.counts.Do("counts", func() (any, error) {
		var counts model.QueueCounts
		dirEntries, err := os.ReadDir(s.dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return counts, nil
			}
			return counts, fmt.Errorf("read queue dir: %w", err)
		}
		for _, de := range dirEntries {
			if de.IsDir() {
				continue
			}
			e, ok := s.suffixes.classify(de.Name())
			if !ok {
				continue
			}
			switch e.State {
			case model.StatePending:
				counts.Pending++
			case model.StateProcessing:
				counts.Processing++
			case model.StateDone:
				counts.Done++
			case model.StateError:
				counts.Error++
			}
		}
		return counts, nil
	})
	if err != nil {
		return model.QueueCounts{}, err
	}
	return v.(model.QueueCounts), nil
}

// PruneTerminal removes done and error entries settled more than maxAge
// ago. A non-positive maxAge keeps everything.
func (s *Store) PruneTerminal(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, st := range []model.EntryState{model.StateDone, model.StateError} {
		entries, err := s.List(st)
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if !e.Modified.Before(cutoff) {
				continue
			}
			if err := os.Remove(s.path(e.File)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("prune %s: %w", e.File, err)
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("pruned terminal entries", zap.Int("count", removed))
	}
	return removed, nil
}

func decodeMeta(v any) model.EntryMeta {
	var meta model.EntryMeta
	if v == nil {
		return meta
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &meta,
	})
	if err != nil {
		return meta
	}
	_ = dec.Decode(v)
	return meta
}
