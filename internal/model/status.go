package model

import "fmt"

// EntryState is the lifecycle state of a queue entry, encoded in its file suffix.
type EntryState string

const (
	StatePending    EntryState = "pending"
	StateProcessing EntryState = "processing"
	StateDone       EntryState = "done"
	StateError      EntryState = "error"
)

var terminalStates = map[EntryState]bool{
	StateDone:  true,
	StateError: true,
}

// pending → processing → done|error, processing → pending for a bounded retry.
// pending → error is reserved for entries that cannot be parsed at all.
var validEntryTransitions = map[EntryState]map[EntryState]bool{
	StatePending: {
		StateProcessing: true,
		StateError:      true,
	},
	StateProcessing: {
		StatePending: true,
		StateDone:    true,
		StateError:   true,
	},
}

func IsTerminal(s EntryState) bool {
	return terminalStates[s]
}

func ValidateEntryTransition(from, to EntryState) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	allowed, ok := validEntryTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid entry transition: %q → %q", from, to)
	}
	return nil
}

// PollOutcome is what a worker observed on its most recent poll.
type PollOutcome string

const (
	PollIdle    PollOutcome = "idle"
	PollActive  PollOutcome = "active"
	PollPaused  PollOutcome = "paused"
	PollResumed PollOutcome = "resumed"
)

// QueueStatus is the in-memory, process-wide view of the worker pool.
type QueueStatus struct {
	Paused          bool        `json:"paused" yaml:"paused"`
	ActiveWorkers   int         `json:"active_workers" yaml:"active_workers"`
	LastHeartbeat   *string     `json:"last_heartbeat" yaml:"last_heartbeat"`
	ThrottleSeconds float64     `json:"throttle_seconds" yaml:"throttle_seconds"`
	MaxConcurrency  int         `json:"max_concurrency" yaml:"max_concurrency"`
	LastPollOutcome PollOutcome `json:"last_poll_outcome" yaml:"last_poll_outcome"`
}

// QueueCounts is queue depth by lifecycle state.
type QueueCounts struct {
	Pending    int `json:"pending" yaml:"pending"`
	Processing int `json:"processing" yaml:"processing"`
	Done       int `json:"done" yaml:"done"`
	Error      int `json:"error" yaml:"error"`
}
