package task

import (
	"encoding/json"
	"fmt"
)

// Handoff is the structured report an executor produces on completion.
// All four fields are required even if empty, so that omission (a vague
// or truncated report) is detectable.
type Handoff struct {
	Produced           []string `json:"produced"`
	KeyContext         []string `json:"key_context"`
	AreasOfUncertainty []string `json:"areas_of_uncertainty"`
	OpenQuestions      []string `json:"open_questions"`
}

// ParseHandoff decodes a handoff payload and verifies the required fields
// are present. "None" placeholder entries are stripped.
func ParseHandoff(data []byte) (*Handoff, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed handoff: %w", err)
	}
	for _, field := range []string{"produced", "key_context", "areas_of_uncertainty", "open_questions"} {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("handoff missing required field %q", field)
		}
	}

	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("malformed handoff: %w", err)
	}
	h.Produced = stripNone(h.Produced)
	h.KeyContext = stripNone(h.KeyContext)
	h.AreasOfUncertainty = stripNone(h.AreasOfUncertainty)
	h.OpenQuestions = stripNone(h.OpenQuestions)
	return &h, nil
}

func stripNone(entries []string) []string {
	out := entries[:0]
	for _, e := range entries {
		if e == "" || e == "None" || e == "none" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Encode serializes the handoff, substituting empty slices for nil so the
// required fields are always present on the wire.
func (h *Handoff) Encode() ([]byte, error) {
	cp := *h
	if cp.Produced == nil {
		cp.Produced = []string{}
	}
	if cp.KeyContext == nil {
		cp.KeyContext = []string{}
	}
	if cp.AreasOfUncertainty == nil {
		cp.AreasOfUncertainty = []string{}
	}
	if cp.OpenQuestions == nil {
		cp.OpenQuestions = []string{}
	}
	return json.Marshal(cp)
}
