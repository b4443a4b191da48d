package task

import "fmt"

// WorkUnit is the proposed scope of one task before dispatch. The three
// file sets define the unit's write/read boundary; Produces and Consumes
// name artifacts used to infer ordering when no explicit blocker exists.
type WorkUnit struct {
	Scope          string   `json:"scope" yaml:"scope"`
	Role           string   `json:"role,omitempty" yaml:"role,omitempty"`
	MayModify      []string `json:"may_modify,omitempty" yaml:"may_modify,omitempty"`
	MayRead        []string `json:"may_read,omitempty" yaml:"may_read,omitempty"`
	MustNotModify  []string `json:"must_not_modify,omitempty" yaml:"must_not_modify,omitempty"`
	Produces       []string `json:"produces,omitempty" yaml:"produces,omitempty"`
	Consumes       []string `json:"consumes,omitempty" yaml:"consumes,omitempty"`
	NeedsInterface string   `json:"needs_interface,omitempty" yaml:"needs_interface,omitempty"`
	Risk           int      `json:"risk,omitempty" yaml:"risk,omitempty"` // 1-4, from the variety assessment
}

// Validate checks that the boundary sets are disjoint.
func (u WorkUnit) Validate() error {
	if u.Scope == "" {
		return fmt.Errorf("work unit has empty scope")
	}
	modify := make(map[string]bool, len(u.MayModify))
	for _, f := range u.MayModify {
		modify[f] = true
	}
	for _, f := range u.MustNotModify {
		if modify[f] {
			return fmt.Errorf("work unit %q: %s appears in both may_modify and must_not_modify", u.Scope, f)
		}
	}
	return nil
}

// Overlap returns the elements present in both sets, sorted order of a.
func Overlap(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
