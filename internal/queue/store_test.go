package queue

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/heimdall/internal/model"
)

var testSuffixes = Suffixes{Processing: ".working", Done: ".done", Error: ".error"}

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s := NewStore(t.TempDir(), testSuffixes, nil)
	require.NoError(t, s.Init())
	clock := time.Date(2026, 2, 22, 1, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	return s, &clock
}

func jobDoc(name string) map[string]any {
	return map[string]any{"type": "job", "name": name, "shell": "echo hello", "timeout": 5}
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

func TestSubmit_WritesPendingEntry(t *testing.T) {
	s, clock := newTestStore(t)

	rec, err := s.Submit(jobDoc("echo_test"), "cli")
	require.NoError(t, err)
	assert.Equal(t, model.TaskJob, rec.Task.Type)
	assert.Equal(t, "job_1771722000.yaml", rec.Entry.File)
	assert.Equal(t, model.StatePending, rec.Entry.State)

	doc, meta, err := s.Read(rec.Entry)
	require.NoError(t, err)
	assert.Equal(t, "echo_test", doc["name"])
	assert.Equal(t, "cli", meta.Source)
	assert.Equal(t, 0, meta.Attempts)
	assert.Equal(t, clock.Format(time.RFC3339), meta.EnqueuedAt)
}

func TestSubmit_RejectedWritesNothing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Submit(map[string]any{"type": "job", "name": "x"}, "api")
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Error(), "job: provide either 'shell' or 'python'")

	_, err = s.SubmitRaw([]byte("type: [broken"), "api")
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Errors[0].Message, "yaml parse error")

	assert.Empty(t, dirNames(t, s.Dir()))
}

func TestSubmit_ProducerMetaIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	doc := jobDoc("a")
	doc[model.MetaKey] = map[string]any{"attempts": 99}

	rec, err := s.Submit(doc, "api")
	require.NoError(t, err)
	_, meta, err := s.Read(rec.Entry)
	require.NoError(t, err)
	assert.Equal(t, 0, meta.Attempts)
}

func TestEnqueue_SameSecondCollisions(t *testing.T) {
	s, _ := newTestStore(t)

	var files []string
	for i := 0; i < 12; i++ {
		e, err := s.Enqueue("job", jobDoc("a"), model.EntryMeta{})
		require.NoError(t, err)
		files = append(files, e.File)
	}
	assert.Equal(t, "job_1771722000.yaml", files[0])
	assert.Equal(t, "job_1771722000_1.yaml", files[1])
	assert.Equal(t, "job_1771722000_11.yaml", files[11])

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 12)
	for i, e := range pending {
		assert.Equal(t, files[i], e.File, "pending order at %d", i)
	}
}

func TestEnqueue_SameSecondKeepsSubmissionOrderAcrossTypes(t *testing.T) {
	s, _ := newTestStore(t)

	var files []string
	for _, typ := range []string{"scaffold_model", "run_migration", "scaffold_crud"} {
		e, err := s.Enqueue(typ, map[string]any{"type": typ}, model.EntryMeta{})
		require.NoError(t, err)
		files = append(files, e.File)
	}
	assert.Equal(t, []string{
		"scaffold_model_1771722000.yaml",
		"run_migration_1771722000_1.yaml",
		"scaffold_crud_1771722000_2.yaml",
	}, files)

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, e := range pending {
		assert.Equal(t, files[i], e.File)
	}
}

func TestEnqueue_SkipsNamesHeldInOtherStates(t *testing.T) {
	s, _ := newTestStore(t)

	first, err := s.Enqueue("job", jobDoc("a"), model.EntryMeta{})
	require.NoError(t, err)
	_, err = s.Claim(first)
	require.NoError(t, err)

	second, err := s.Enqueue("job", jobDoc("b"), model.EntryMeta{})
	require.NoError(t, err)
	assert.Equal(t, "job_1771722000_1.yaml", second.File)
}

func TestPending_IgnoresTempAndForeignFiles(t *testing.T) {
	s, _ := newTestStore(t)
	dir := s.Dir()

	// A writer killed between temp write and publish leaves only a temp file.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".heimdall-tmp-123"), []byte("type: jo"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".job_1.yaml.tmp"), []byte("type: job"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0755))

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, model.QueueCounts{}, counts)
}

func TestPending_OrdersByTimestampThenModTime(t *testing.T) {
	s, clock := newTestStore(t)

	*clock = clock.Add(10 * time.Second)
	late, err := s.Enqueue("job", jobDoc("late"), model.EntryMeta{})
	require.NoError(t, err)
	*clock = clock.Add(-5 * time.Second)
	early, err := s.Enqueue("spec", map[string]any{"type": "spec"}, model.EntryMeta{})
	require.NoError(t, err)

	foreign := filepath.Join(s.Dir(), "dropped.yaml")
	require.NoError(t, os.WriteFile(foreign, []byte("type: run_migration\nfile: x.sql\n"), 0644))
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(foreign, old, old))

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "dropped.yaml", pending[0].File)
	assert.Equal(t, early.File, pending[1].File)
	assert.Equal(t, late.File, pending[2].File)
}

func TestClaim_ExclusiveUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	a := NewStore(dir, testSuffixes, nil)
	b := NewStore(dir, testSuffixes, nil)

	const entries = 20
	for i := 0; i < entries; i++ {
		_, err := a.Enqueue("job", jobDoc("a"), model.EntryMeta{})
		require.NoError(t, err)
	}
	pending, err := a.Pending()
	require.NoError(t, err)
	require.Len(t, pending, entries)

	var wins, losses atomic.Int64
	var wg sync.WaitGroup
	for _, store := range []*Store{a, b, a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, e := range pending {
				_, err := store.Claim(e)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrAlreadyClaimed):
					losses.Add(1)
				default:
					t.Errorf("Claim(%s): %v", e.File, err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(entries), wins.Load())
	assert.Equal(t, int64(3*entries), losses.Load())
	counts, err := a.Counts()
	require.NoError(t, err)
	assert.Equal(t, entries, counts.Processing)
	assert.Zero(t, counts.Pending)
}

func TestClaim_RejectsNonPending(t *testing.T) {
	s, _ := newTestStore(t)
	e, err := s.Enqueue("job", jobDoc("a"), model.EntryMeta{})
	require.NoError(t, err)
	c, err := s.Claim(e)
	require.NoError(t, err)

	_, err = s.Claim(c.Entry)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyClaimed)
}

func TestComplete(t *testing.T) {
	s, _ := newTestStore(t)
	e, err := s.Enqueue("job", jobDoc("a"), model.EntryMeta{})
	require.NoError(t, err)

	c, err := s.Claim(e)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "job_1771722000.working.yaml", c.Entry.File)
	assert.Equal(t, "a", c.Doc["name"])
	assert.NotContains(t, c.Doc, model.MetaKey)
	assert.Equal(t, 1, c.Attempt())

	require.NoError(t, s.Complete(c))
	assert.Equal(t, []string{"job_1771722000.done.yaml"}, dirNames(t, s.Dir()))
	assert.Error(t, s.Complete(c), "terminal entries cannot move again")
}

func TestRetryThenFail(t *testing.T) {
	s, clock := newTestStore(t)
	e, err := s.Enqueue("job", jobDoc("a"), model.EntryMeta{})
	require.NoError(t, err)

	c, err := s.Claim(e)
	require.NoError(t, err)
	notBefore := clock.Add(10 * time.Second)
	require.NoError(t, s.Retry(c, errors.New("boom"), notBefore))

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, e.File, pending[0].File)

	meta, err := s.Peek(pending[0])
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Attempts)
	assert.Equal(t, "boom", meta.LastError)
	assert.False(t, Ready(meta, *clock))
	assert.True(t, Ready(meta, notBefore))

	c, err = s.Claim(pending[0])
	require.NoError(t, err)
	assert.Equal(t, 2, c.Attempt())
	require.NoError(t, s.Fail(c, errors.New("boom again")))

	errs, err := s.List(model.StateError)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	doc, meta, err := s.Read(errs[0])
	require.NoError(t, err)
	assert.Equal(t, "a", doc["name"])
	assert.Equal(t, 2, meta.Attempts)
	assert.Equal(t, "boom again", meta.LastError)
	assert.Empty(t, meta.NotBefore)
}

func TestFail_UnparseableEntryKeepsRaw(t *testing.T) {
	s, _ := newTestStore(t)
	raw := "type: job\nname: [oops\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "job_1771722000.yaml"), []byte(raw), 0644))

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	c, err := s.Claim(pending[0])
	require.NoError(t, err)
	require.Error(t, c.ParseErr)

	require.NoError(t, s.Fail(c, c.ParseErr))
	_, meta, err := s.Read(c.Entry)
	require.NoError(t, err)
	assert.Equal(t, raw, meta.Raw)
	assert.Contains(t, meta.LastError, "yaml parse error")
}

func TestRecoverStale(t *testing.T) {
	s, clock := newTestStore(t)

	fresh, err := s.Enqueue("job", jobDoc("fresh"), model.EntryMeta{})
	require.NoError(t, err)
	spent, err := s.Enqueue("job", jobDoc("spent"), model.EntryMeta{Attempts: 2})
	require.NoError(t, err)
	_, err = s.Claim(fresh)
	require.NoError(t, err)
	_, err = s.Claim(spent)
	require.NoError(t, err)

	report, err := s.RecoverStale(3, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, RecoverReport{}, report, "recent claims are left alone")

	*clock = clock.Add(2 * time.Hour)
	report, err = s.RecoverStale(3, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, RecoverReport{Requeued: 1, Failed: 1}, report)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, model.QueueCounts{Pending: 1, Error: 1}, counts)

	pending, err := s.Pending()
	require.NoError(t, err)
	doc, meta, err := s.Read(pending[0])
	require.NoError(t, err)
	assert.Equal(t, "fresh", doc["name"])
	assert.Equal(t, 1, meta.Attempts)
	assert.Contains(t, meta.LastError, "interrupted")
}

func TestPruneTerminal(t *testing.T) {
	s, clock := newTestStore(t)
	for _, name := range []string{"a", "b"} {
		e, err := s.Enqueue("job", jobDoc(name), model.EntryMeta{})
		require.NoError(t, err)
		c, err := s.Claim(e)
		require.NoError(t, err)
		require.NoError(t, s.Complete(c))
	}
	_, err := s.Enqueue("job", jobDoc("c"), model.EntryMeta{})
	require.NoError(t, err)

	n, err := s.PruneTerminal(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	*clock = clock.Add(48 * time.Hour)
	n, err = s.PruneTerminal(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, model.QueueCounts{Pending: 1}, counts)
}

func TestSuffixes_Classify(t *testing.T) {
	tests := []struct {
		file  string
		name  string
		state model.EntryState
		ok    bool
	}{
		{"job_1771722000.yaml", "job_1771722000", model.StatePending, true},
		{"job_1771722000_3.working.yaml", "job_1771722000_3", model.StateProcessing, true},
		{"spec_1771722000.done.yml", "spec_1771722000", model.StateDone, true},
		{"bundle_1771722000.error.json", "bundle_1771722000", model.StateError, true},
		{".heimdall-tmp-1", "", "", false},
		{"readme.md", "", "", false},
		{".working.yaml", "", "", false},
	}
	for _, tt := range tests {
		e, ok := testSuffixes.classify(tt.file)
		assert.Equal(t, tt.ok, ok, tt.file)
		if ok {
			assert.Equal(t, tt.name, e.Name, tt.file)
			assert.Equal(t, tt.state, e.State, tt.file)
		}
	}
}
