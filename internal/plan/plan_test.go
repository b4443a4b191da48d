package plan

import (
	"strings"
	"testing"
)

const yamlRequest = `request: Add billing support
variety:
  novelty: 2
  scope: 3
  uncertainty: 2
  risk: 3
units:
  - scope: billing API
    role: coder
    may_modify: [internal/billing/api.go]
    produces: [billing.api]
    risk: 3
  - scope: billing UI
    role: coder
    may_modify: [internal/ui/billing.go]
    consumes: [billing.api]
    after: [billing API]
`

func TestParseYAML(t *testing.T) {
	req, err := Parse(strings.NewReader(yamlRequest), FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Title != "Add billing support" {
		t.Fatalf("Title = %q", req.Title)
	}
	if req.Variety.Risk != 3 {
		t.Fatalf("Variety = %+v", req.Variety)
	}
	if len(req.Units) != 2 {
		t.Fatalf("got %d units", len(req.Units))
	}
	if req.Units[0].Produces[0] != "billing.api" {
		t.Fatalf("unit 0 = %+v", req.Units[0])
	}
	if len(req.Units[1].After) != 1 || req.Units[1].After[0] != "billing API" {
		t.Fatalf("unit 1 after = %v", req.Units[1].After)
	}
}

const markdownRequest = "---\n" +
	"request: Add billing support\n" +
	"variety: {novelty: 2, scope: 3, uncertainty: 2, risk: 3}\n" +
	"---\n" +
	"\n" +
	"Free prose describing the request.\n" +
	"\n" +
	"## Unit: billing API\n" +
	"\n" +
	"```yaml\n" +
	"role: coder\n" +
	"may_modify: [internal/billing/api.go]\n" +
	"produces: [billing.api]\n" +
	"risk: 3\n" +
	"```\n" +
	"\n" +
	"## Unit: billing UI\n" +
	"\n" +
	"Some notes the parser ignores.\n" +
	"\n" +
	"```yaml\n" +
	"role: coder\n" +
	"may_modify: [internal/ui/billing.go]\n" +
	"consumes: [billing.api]\n" +
	"after: [billing API]\n" +
	"```\n"

func TestParseMarkdown(t *testing.T) {
	req, err := Parse(strings.NewReader(markdownRequest), FormatMarkdown)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Title != "Add billing support" {
		t.Fatalf("Title = %q", req.Title)
	}
	if req.Variety.Novelty != 2 || req.Variety.Scope != 3 {
		t.Fatalf("Variety = %+v", req.Variety)
	}
	if len(req.Units) != 2 {
		t.Fatalf("got %d units: %+v", len(req.Units), req.Units)
	}
	// The scope comes from the heading, not the YAML block.
	if req.Units[0].Scope != "billing API" || req.Units[1].Scope != "billing UI" {
		t.Fatalf("scopes = %q, %q", req.Units[0].Scope, req.Units[1].Scope)
	}
	if req.Units[1].After[0] != "billing API" {
		t.Fatalf("after = %v", req.Units[1].After)
	}
}

func TestParseMarkdownErrors(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		errContains string
	}{
		{
			name:        "no frontmatter",
			content:     "## Unit: a\n\n```yaml\nrole: coder\n```\n",
			errContains: "frontmatter",
		},
		{
			name: "unit without yaml block",
			content: "---\nrequest: r\nvariety: {novelty: 1, scope: 1, uncertainty: 1, risk: 1}\n---\n" +
				"## Unit: dangling\n\njust prose\n",
			errContains: "no YAML block",
		},
		{
			name: "empty unit scope",
			content: "---\nrequest: r\nvariety: {novelty: 1, scope: 1, uncertainty: 1, risk: 1}\n---\n" +
				"## Unit:\n\n```yaml\nrole: coder\n```\n",
			errContains: "empty scope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.content), FormatMarkdown)
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("got %v, want error mentioning %q", err, tt.errContains)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Request {
		req, err := Parse(strings.NewReader(yamlRequest), FormatYAML)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		return req
	}

	tests := []struct {
		name        string
		mutate      func(*Request)
		errContains string
	}{
		{name: "missing title", mutate: func(r *Request) { r.Title = "" }, errContains: "no title"},
		{name: "no units", mutate: func(r *Request) { r.Units = nil }, errContains: "no units"},
		{name: "rating out of range", mutate: func(r *Request) { r.Variety.Risk = 9 }, errContains: "out of range"},
		{name: "duplicate scope", mutate: func(r *Request) { r.Units[1].Scope = r.Units[0].Scope; r.Units[1].After = nil }, errContains: "duplicate"},
		{name: "after unknown unit", mutate: func(r *Request) { r.Units[1].After = []string{"ghost"} }, errContains: "unknown unit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(req)
			err := req.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("got %v, want error mentioning %q", err, tt.errContains)
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		filename string
		want     Format
	}{
		{"request.yaml", FormatYAML},
		{"request.yml", FormatYAML},
		{"REQUEST.MD", FormatMarkdown},
		{"request.markdown", FormatMarkdown},
		{"request.txt", FormatUnknown},
		{"request", FormatUnknown},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.filename); got != tt.want {
			t.Errorf("DetectFormat(%q) = %s, want %s", tt.filename, got, tt.want)
		}
	}
}
