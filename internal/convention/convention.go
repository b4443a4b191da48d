package convention

import (
	"fmt"
	"strings"
	"time"
)

// Convention is a decision made by one executor that subsequent executors
// in the same batch should follow (naming pattern, file layout, error
// handling style, import style). Conventions are append-only: a conflicting
// later decision supersedes rather than overwrites, so the audit trail is
// preserved.
type Convention struct {
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	EstablishedBy string    `json:"established_by"` // Task ID or arbiter decision ID
	Scope         string    `json:"scope"`          // Batch ID it applies to
	Superseded    bool      `json:"superseded,omitempty"`
	SupersededBy  string    `json:"superseded_by,omitempty"` // Who established the winning value
	CreatedAt     time.Time `json:"created_at"`
}

// String renders the convention as a key=value directive for injection
// into a running peer's context.
func (c Convention) String() string {
	return fmt.Sprintf("%s=%s", c.Key, c.Value)
}

// Known convention key prefixes recognized by the extractor.
var knownPrefixes = []string{
	"naming", "layout", "errors", "imports", "interface", "schema", "style",
}

// Parse extracts a convention from one handoff key_context line. Lines of
// the form "key=value" or "key: value" where key starts with a known
// prefix are conventions; anything else is free-form context and yields
// ok=false. Vague handoffs therefore extract nothing, which is not an
// error.
func Parse(line, establishedBy, scope string) (Convention, bool) {
	var key, value string
	switch {
	case strings.Contains(line, "="):
		parts := strings.SplitN(line, "=", 2)
		key, value = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	case strings.Contains(line, ":"):
		parts := strings.SplitN(line, ":", 2)
		key, value = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	default:
		return Convention{}, false
	}
	if key == "" || value == "" || strings.ContainsAny(key, " \t") {
		return Convention{}, false
	}

	recognized := false
	for _, prefix := range knownPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			recognized = true
			break
		}
	}
	if !recognized {
		return Convention{}, false
	}

	return Convention{
		Key:           key,
		Value:         value,
		EstablishedBy: establishedBy,
		Scope:         scope,
		CreatedAt:     time.Now(),
	}, true
}
