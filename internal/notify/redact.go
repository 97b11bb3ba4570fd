package notify

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/msageha/heimdall/internal/model"
)

const (
	redactedMarker      = "[redacted]"
	truncatedMarker     = "[truncated]\n"
	defaultMaxTailBytes = 4000
)

// Redactor masks secrets in free text and keeps only the most recent output.
type Redactor struct {
	patterns []*regexp.Regexp
	secrets  []string
	maxBytes int
}

// NewRedactor compiles the configured patterns and snapshots the values of
// the environment variables named in keys_env.
func NewRedactor(cfg model.RedactConfig) (*Redactor, error) {
	r := &Redactor{maxBytes: cfg.MaxTailBytes}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxTailBytes
	}
	for _, p := range cfg.Patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	for _, name := range cfg.KeysEnv {
		if v := os.Getenv(name); v != "" {
			r.secrets = append(r.secrets, v)
		}
	}
	return r, nil
}

func (r *Redactor) MaxBytes() int {
	return r.maxBytes
}

// Text masks every pattern match and secret value, then truncates to the
// trailing maxBytes bytes.
func (r *Redactor) Text(s string) string {
	out := s
	for _, re := range r.patterns {
		out = re.ReplaceAllLiteralString(out, redactedMarker)
	}
	for _, secret := range r.secrets {
		out = strings.ReplaceAll(out, secret, redactedMarker)
	}
	if len(out) > r.maxBytes {
		out = truncatedMarker + strings.ToValidUTF8(out[len(out)-r.maxBytes:], "")
	}
	return out
}
