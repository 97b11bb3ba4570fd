package validate

import (
	"fmt"
	"strings"
)

// Issue is one validator finding. Field names the offending document path
// when one applies.
type Issue struct {
	Field   string `json:"field,omitempty" yaml:"field,omitempty"`
	Message string `json:"message" yaml:"message"`
}

func (i Issue) String() string {
	return i.Message
}

type issues []Issue

func (is *issues) add(field, format string, args ...any) {
	*is = append(*is, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Messages flattens issues to their message text.
func Messages(list []Issue) []string {
	out := make([]string, len(list))
	for i, is := range list {
		out[i] = is.Message
	}
	return out
}

// FormatStderr renders errors then warnings, one per line, for CLI output.
func FormatStderr(errs, warns []Issue) string {
	var sb strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&sb, "error: %s\n", e.Message)
	}
	for _, w := range warns {
		fmt.Fprintf(&sb, "warning: %s\n", w.Message)
	}
	return sb.String()
}
