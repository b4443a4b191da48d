// Package plan parses work-request files into work units. Two formats
// are supported: plain YAML, and Markdown with a YAML frontmatter plus
// one fenced YAML block per unit section.
package plan

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pkarath/dirigent/internal/task"
	"github.com/pkarath/dirigent/internal/variety"
)

// Format identifies a work-request file format.
type Format int

const (
	FormatUnknown Format = iota
	FormatYAML
	FormatMarkdown
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatMarkdown:
		return "markdown"
	default:
		return "unknown"
	}
}

// DetectFormat maps a filename extension to a format.
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".md", ".markdown":
		return FormatMarkdown
	default:
		return FormatUnknown
	}
}

// Unit is a work unit plus its explicit ordering edges: the scopes of
// units that must complete before it runs.
type Unit struct {
	task.WorkUnit `yaml:",inline"`
	After         []string `yaml:"after,omitempty"`
}

// Request is a parsed work request.
type Request struct {
	Title   string         `yaml:"request"`
	Variety variety.Rating `yaml:"variety"`
	Units   []Unit         `yaml:"units"`
}

// ParseFile reads and parses a work request, detecting the format from
// the filename.
func ParseFile(path string) (*Request, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unsupported work-request format: %s", filepath.Ext(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening work request: %w", err)
	}
	defer f.Close()

	return Parse(f, format)
}

// Parse parses a work request from r in the given format.
func Parse(r io.Reader, format Format) (*Request, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading work request: %w", err)
	}

	var req *Request
	switch format {
	case FormatYAML:
		req, err = parseYAML(content)
	case FormatMarkdown:
		req, err = parseMarkdown(content)
	default:
		return nil, fmt.Errorf("unsupported work-request format")
	}
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func parseYAML(content []byte) (*Request, error) {
	var req Request
	if err := yaml.Unmarshal(content, &req); err != nil {
		return nil, fmt.Errorf("parsing work request: %w", err)
	}
	return &req, nil
}

// Validate checks the request is dispatchable: at least one unit, a
// sane variety rating, disjoint unit boundaries, and ordering edges that
// reference real units.
func (r *Request) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("work request has no title")
	}
	if len(r.Units) == 0 {
		return fmt.Errorf("work request %q has no units", r.Title)
	}
	if err := r.Variety.Validate(); err != nil {
		return fmt.Errorf("work request %q: %w", r.Title, err)
	}

	scopes := make(map[string]bool, len(r.Units))
	for _, u := range r.Units {
		if err := u.WorkUnit.Validate(); err != nil {
			return fmt.Errorf("work request %q: %w", r.Title, err)
		}
		if scopes[u.Scope] {
			return fmt.Errorf("work request %q: duplicate unit scope %q", r.Title, u.Scope)
		}
		scopes[u.Scope] = true
	}
	for _, u := range r.Units {
		for _, dep := range u.After {
			if !scopes[dep] {
				return fmt.Errorf("unit %q ordered after unknown unit %q", u.Scope, dep)
			}
		}
	}
	return nil
}
