package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Desktop posts a macOS user notification via osascript.
type Desktop struct {
	command string
}

func NewDesktop() *Desktop {
	return &Desktop{command: "osascript"}
}

func (d *Desktop) Name() string {
	return "desktop"
}

func (d *Desktop) Send(ctx context.Context, msg Message) error {
	title := msg.Subject
	if title == "" {
		title = subjectPrefix
	}
	cmd := exec.CommandContext(ctx, d.command, "-e", appleScript(title, firstLine(msg.Text)))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func appleScript(title, message string) string {
	return fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title))
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
