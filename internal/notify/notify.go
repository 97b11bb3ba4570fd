// Package notify delivers job, schedule and alert notifications to webhooks,
// email and the desktop, applying the configured notify policy and redaction.
package notify

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Kind classifies a notification for policy decisions and payload rendering.
type Kind string

const (
	KindJob           Kind = "job"
	KindScheduleError Kind = "schedule_error"
	KindAlert         Kind = "alert"
	KindTest          Kind = "test"
)

type Message struct {
	Kind    Kind
	Subject string
	Text    string
}

// Notifier accepts messages for delivery. Implementations must not block the
// caller on slow transports.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Channel is a single delivery transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

const (
	subjectPrefix = "[Heimdall]"
	testText      = "[Heimdall] Notification test — hello!"
)

// ScheduleErrorMessage reports a schedule that could not be applied or fired.
func ScheduleErrorMessage(name, message string) Message {
	return Message{
		Kind:    KindScheduleError,
		Subject: fmt.Sprintf("%s Schedule error — %s", subjectPrefix, name),
		Text:    fmt.Sprintf("Schedule '%s' failed to apply or run.\n\n%s\n", name, message),
	}
}

func TestMessage() Message {
	return Message{
		Kind:    KindTest,
		Subject: subjectPrefix + " Notification test",
		Text:    testText,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "unknown"
	}
	return h
}
