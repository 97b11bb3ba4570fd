package notify

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/msageha/heimdall/internal/model"
)

// JobMessage renders a job run result. stdout and stderr tails are read from
// the run directory and passed through the redactor.
func JobMessage(s model.JobSummary, redactor *Redactor) Message {
	status := "FAIL"
	if s.OK {
		status = "OK"
	}
	name := s.Name
	if name == "" {
		name = "job"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "host=%s\n", hostname())
	fmt.Fprintf(&b, "job=%s\n", name)
	fmt.Fprintf(&b, "ok=%t\n", s.OK)
	fmt.Fprintf(&b, "rc=%d\n", s.ExitCode)
	fmt.Fprintf(&b, "duration_ms=%d\n", s.DurationMs)
	fmt.Fprintf(&b, "run_dir=%s\n", s.RunDir)
	fmt.Fprintf(&b, "stdout=%s\n", s.StdoutPath)
	fmt.Fprintf(&b, "stderr=%s\n", s.StderrPath)
	fmt.Fprintf(&b, "error=%s\n", s.Error)
	b.WriteString("---\nSTDOUT (tail/redacted)\n")
	b.WriteString(readTail(s.StdoutPath, redactor))
	b.WriteString("\n\n---\nSTDERR (tail/redacted)\n")
	b.WriteString(readTail(s.StderrPath, redactor))
	b.WriteString("\n")

	return Message{
		Kind:    KindJob,
		Subject: fmt.Sprintf("%s Job %s — %s (rc=%d, %dms)", subjectPrefix, status, name, s.ExitCode, s.DurationMs),
		Text:    b.String(),
	}
}

// readTail returns the redacted end of a log file, or "" when it is missing.
// Only a window a few times larger than the tail is read so that patterns
// spanning the cut still match.
func readTail(path string, redactor *Redactor) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	window := int64(redactor.MaxBytes()) * 4
	if info, err := f.Stat(); err == nil && info.Size() > window {
		if _, err := f.Seek(-window, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return redactor.Text(strings.ToValidUTF8(string(data), ""))
}
