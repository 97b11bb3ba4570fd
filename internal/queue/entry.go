package queue

import (
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/msageha/heimdall/internal/model"
)

const defaultExt = ".yaml"

// extensions a producer may drop into the queue directory.
var extensions = []string{".yaml", ".yml", ".json"}

// Suffixes are the state markers inserted before the file extension.
type Suffixes struct {
	Processing string
	Done       string
	Error      string
}

func SuffixesFrom(cfg model.Config) Suffixes {
	return Suffixes{
		Processing: cfg.ProcessingSuffix,
		Done:       cfg.ProcessedSuffix,
		Error:      cfg.ErrorSuffix,
	}
}

func (s Suffixes) forState(state model.EntryState) string {
	switch state {
	case model.StateProcessing:
		return s.Processing
	case model.StateDone:
		return s.Done
	case model.StateError:
		return s.Error
	}
	return ""
}

// Entry is one queue file as seen by a directory scan.
type Entry struct {
	// Name is the file name without state suffix or extension.
	Name     string
	File     string
	State    model.EntryState
	At       time.Time
	Modified time.Time

	seq int
	ext string
}

// classify maps a directory entry name onto an Entry. Dotfiles, temp files
// and unknown extensions are not entries.
func (s Suffixes) classify(file string) (Entry, bool) {
	if strings.HasPrefix(file, ".") {
		return Entry{}, false
	}
	ext := filepath.Ext(file)
	if !slices.Contains(extensions, ext) {
		return Entry{}, false
	}
	stem := strings.TrimSuffix(file, ext)
	state := model.StatePending
	for _, st := range []model.EntryState{model.StateProcessing, model.StateDone, model.StateError} {
		suf := s.forState(st)
		if suf != "" && strings.HasSuffix(stem, suf) {
			stem = strings.TrimSuffix(stem, suf)
			state = st
			break
		}
	}
	if stem == "" {
		return Entry{}, false
	}
	e := Entry{Name: stem, File: file, State: state, ext: ext}
	if n, err := model.ParseEntryBase(stem); err == nil {
		e.At = n.Time()
		e.seq = n.Seq
	}
	return e, true
}

func (s Suffixes) fileFor(e Entry, state model.EntryState) string {
	ext := e.ext
	if ext == "" {
		ext = defaultExt
	}
	return e.Name + s.forState(state) + ext
}

func (s Suffixes) withState(e Entry, state model.EntryState) Entry {
	e.File = s.fileFor(e, state)
	e.State = state
	return e
}

// sortEntries orders by enqueue time, then collision sequence, then name.
func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		if a.seq != b.seq {
			return a.seq - b.seq
		}
		return strings.Compare(a.File, b.File)
	})
}
