// Package alert samples queue and worker health on an interval and sends
// de-duplicated alerts through the notifier.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/heimdall/internal/model"
)

// unknownHeartbeatAge stands in for a heartbeat that was never written.
const unknownHeartbeatAge = 1e9 * time.Second

// Sample is one observation of engine health.
type Sample struct {
	Paused        bool
	ActiveWorkers int
	Outcome       model.PollOutcome
	Counts        model.QueueCounts
	// HeartbeatAge is the age of the persisted worker heartbeat; a missing
	// heartbeat is reported as stale.
	HeartbeatAge time.Duration
	RecentErrors int
}

// Evaluate lists the findings for s in a fixed order.
func Evaluate(s Sample, cfg model.AlertsConfig) []string {
	var issues []string
	if s.Paused {
		issues = append(issues, "Queue paused")
	} else if s.ActiveWorkers == 0 {
		issues = append(issues, "No active workers")
	}
	if s.Counts.Pending >= cfg.BacklogPendingWarn {
		issues = append(issues, fmt.Sprintf("Backlog high: pending=%d", s.Counts.Pending))
	}
	if s.HeartbeatAge > time.Duration(cfg.HeartbeatMaxAgeWarnSeconds)*time.Second {
		issues = append(issues, fmt.Sprintf("Worker heartbeat stale: age=%ds", int64(s.HeartbeatAge.Seconds())))
	}
	if s.RecentErrors >= cfg.ErrorEventsWarn {
		issues = append(issues, fmt.Sprintf("Errors in last %dm: %d", cfg.ErrorEventsWindowMinutes, s.RecentErrors))
	}
	return issues
}

func Summary(issues []string) string {
	return strings.Join(issues, " | ")
}

// Signature is the hex SHA-256 of a summary.
func Signature(summary string) string {
	sum := sha256.Sum256([]byte(summary))
	return hex.EncodeToString(sum[:])
}

// Decision is what a check should do with the persisted alert state.
type Decision int

const (
	Quiet Decision = iota
	Send
	Clear
)

func (d Decision) String() string {
	switch d {
	case Send:
		return "send"
	case Clear:
		return "clear"
	}
	return "quiet"
}

// Decide sends when the signature changed or the suppression window has
// elapsed since the last alert, and clears a previous alert once no issues
// remain.
func Decide(state model.AlertState, summary string, now time.Time, suppress time.Duration) Decision {
	if summary == "" {
		if state.Active() {
			return Clear
		}
		return Quiet
	}
	if Signature(summary) != state.SignatureHash {
		return Send
	}
	last, ok := lastSent(state)
	if !ok || now.Sub(last) >= suppress {
		return Send
	}
	return Quiet
}

func lastSent(state model.AlertState) (time.Time, bool) {
	if state.LastSentAt == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, *state.LastSentAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Text renders the alert body.
func Text(summary string, s Sample) string {
	outcome := string(s.Outcome)
	if outcome == "" {
		outcome = "?"
	}
	return fmt.Sprintf("Heimdall Alert: %s\nQueue: pending %d, working %d, status %s",
		summary, s.Counts.Pending, s.ActiveWorkers, outcome)
}

// AllClearText renders the optional recovery notice.
func AllClearText(previous string) string {
	return fmt.Sprintf("Heimdall: all clear\nPrevious alert: %s", previous)
}
