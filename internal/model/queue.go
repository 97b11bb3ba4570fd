package model

// MetaKey is the reserved top-level document key holding engine bookkeeping.
// Producers never set it and the validator never reports it.
const MetaKey = "_meta"

// EntryMeta is the engine-owned metadata attached to a queue document.
type EntryMeta struct {
	Attempts   int    `mapstructure:"attempts" yaml:"attempts"`
	NotBefore  string `mapstructure:"not_before" yaml:"not_before,omitempty"`
	LastError  string `mapstructure:"last_error" yaml:"last_error,omitempty"`
	EnqueuedAt string `mapstructure:"enqueued_at" yaml:"enqueued_at,omitempty"`
	Source     string `mapstructure:"source" yaml:"source,omitempty"`
	// Raw holds the original bytes of an entry that could not be parsed.
	Raw string `mapstructure:"raw" yaml:"raw,omitempty"`
}

// ToMap renders the metadata for embedding into a document.
func (m EntryMeta) ToMap() map[string]any {
	out := map[string]any{"attempts": m.Attempts}
	if m.NotBefore != "" {
		out["not_before"] = m.NotBefore
	}
	if m.LastError != "" {
		out["last_error"] = m.LastError
	}
	if m.EnqueuedAt != "" {
		out["enqueued_at"] = m.EnqueuedAt
	}
	if m.Source != "" {
		out["source"] = m.Source
	}
	if m.Raw != "" {
		out["raw"] = m.Raw
	}
	return out
}

// StripMeta returns a shallow copy of doc without the metadata key.
func StripMeta(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == MetaKey {
			continue
		}
		out[k] = v
	}
	return out
}
