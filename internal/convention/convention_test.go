package convention

import (
	"testing"

	"pgregory.net/rapid"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantOK    bool
		wantKey   string
		wantValue string
	}{
		{name: "equals form", line: "naming.fields=snake_case", wantOK: true, wantKey: "naming.fields", wantValue: "snake_case"},
		{name: "colon form", line: "errors: wrap with fmt.Errorf", wantOK: true, wantKey: "errors", wantValue: "wrap with fmt.Errorf"},
		{name: "bare prefix", line: "style=tabs", wantOK: true, wantKey: "style", wantValue: "tabs"},
		{name: "whitespace trimmed", line: "  layout.tests = alongside source  ", wantOK: true, wantKey: "layout.tests", wantValue: "alongside source"},
		{name: "unknown prefix", line: "deploy=blue-green", wantOK: false},
		{name: "prefix must match whole segment", line: "namingthings=x", wantOK: false},
		{name: "free-form context", line: "the handler is in auth.go", wantOK: false},
		{name: "empty value", line: "naming=", wantOK: false},
		{name: "no separator", line: "just a note", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Parse(tt.line, "agent-1-aaaaaaaa", "batch-1")
			if ok != tt.wantOK {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if c.Key != tt.wantKey || c.Value != tt.wantValue {
				t.Fatalf("Parse(%q) = %s=%s, want %s=%s", tt.line, c.Key, c.Value, tt.wantKey, tt.wantValue)
			}
			if c.EstablishedBy != "agent-1-aaaaaaaa" || c.Scope != "batch-1" {
				t.Fatalf("attribution lost: %+v", c)
			}
		})
	}
}

func TestParseNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		line := rapid.String().Draw(t, "line")
		c, ok := Parse(line, "agent-1-aaaaaaaa", "batch-1")
		if ok && (c.Key == "" || c.Value == "") {
			t.Fatalf("Parse(%q) accepted an empty key or value", line)
		}
	})
}

func TestString(t *testing.T) {
	c := Convention{Key: "naming.fields", Value: "snake_case"}
	if got := c.String(); got != "naming.fields=snake_case" {
		t.Fatalf("String() = %q", got)
	}
}
