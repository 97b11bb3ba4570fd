package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// EntryName identifies a queue entry independent of its lifecycle suffix:
// {type}_{unix}[_{seq}].
type EntryName struct {
	Type string
	Unix int64
	Seq  int
}

var entryNameRegex = regexp.MustCompile(`^([a-z][a-z0-9_]*?)_([0-9]{9,})(?:_([0-9]+))?$`)

func NewEntryName(taskType string, at time.Time) EntryName {
	if taskType == "" {
		taskType = "task"
	}
	return EntryName{Type: taskType, Unix: at.Unix()}
}

// Base renders the name without state suffix or extension.
func (n EntryName) Base() string {
	if n.Seq > 0 {
		return fmt.Sprintf("%s_%d_%d", n.Type, n.Unix, n.Seq)
	}
	return fmt.Sprintf("%s_%d", n.Type, n.Unix)
}

func (n EntryName) Time() time.Time {
	return time.Unix(n.Unix, 0)
}

// ParseEntryBase parses a base name produced by EntryName.Base.
func ParseEntryBase(base string) (EntryName, error) {
	m := entryNameRegex.FindStringSubmatch(base)
	if m == nil {
		return EntryName{}, fmt.Errorf("invalid entry name: %s", base)
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return EntryName{}, fmt.Errorf("parse timestamp from %s: %w", base, err)
	}
	n := EntryName{Type: m[1], Unix: ts}
	if m[3] != "" {
		seq, err := strconv.Atoi(m[3])
		if err != nil {
			return EntryName{}, fmt.Errorf("parse sequence from %s: %w", base, err)
		}
		n.Seq = seq
	}
	return n, nil
}
