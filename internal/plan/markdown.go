package plan

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// Markdown work requests carry the title and variety rating in a YAML
// frontmatter block, then one "## Unit: <scope>" section per unit with
// a fenced YAML block holding the unit fields.
//
//	---
//	request: Add billing
//	variety: {novelty: 2, scope: 3, uncertainty: 2, risk: 3}
//	---
//
//	## Unit: billing API
//
//	```yaml
//	role: coder
//	may_modify: [internal/billing/api.go]
//	```

type frontmatter struct {
	Title   string `yaml:"request"`
	Variety struct {
		Novelty     int `yaml:"novelty"`
		Scope       int `yaml:"scope"`
		Uncertainty int `yaml:"uncertainty"`
		Risk        int `yaml:"risk"`
	} `yaml:"variety"`
}

func parseMarkdown(content []byte) (*Request, error) {
	body, fm := splitFrontmatter(content)
	if fm == nil {
		return nil, fmt.Errorf("markdown work request has no frontmatter")
	}

	var front frontmatter
	if err := yaml.Unmarshal(fm, &front); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	req := &Request{Title: front.Title}
	req.Variety.Novelty = front.Variety.Novelty
	req.Variety.Scope = front.Variety.Scope
	req.Variety.Uncertainty = front.Variety.Uncertainty
	req.Variety.Risk = front.Variety.Risk

	units, err := extractUnits(body)
	if err != nil {
		return nil, err
	}
	req.Units = units
	return req, nil
}

// extractUnits walks the document for level 2 "Unit:" headings and
// parses the first fenced YAML block under each one.
func extractUnits(body []byte) ([]Unit, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(body))

	var units []Unit
	var scope string
	var parsed bool

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			if node.Level != 2 {
				return ast.WalkContinue, nil
			}
			if scope != "" && !parsed {
				return ast.WalkStop, fmt.Errorf("unit %q has no YAML block", scope)
			}
			title := headingText(node, body)
			rest, ok := strings.CutPrefix(title, "Unit:")
			if !ok {
				scope = ""
				return ast.WalkContinue, nil
			}
			scope = strings.TrimSpace(rest)
			if scope == "" {
				return ast.WalkStop, fmt.Errorf("unit heading has empty scope")
			}
			parsed = false

		case *ast.FencedCodeBlock:
			if scope == "" || parsed {
				return ast.WalkContinue, nil
			}
			lang := string(node.Language(body))
			if lang != "" && lang != "yaml" && lang != "yml" {
				return ast.WalkContinue, nil
			}

			var unit Unit
			if err := yaml.Unmarshal(blockText(node, body), &unit); err != nil {
				return ast.WalkStop, fmt.Errorf("parsing unit %q: %w", scope, err)
			}
			unit.Scope = scope
			units = append(units, unit)
			parsed = true
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	if scope != "" && !parsed {
		return nil, fmt.Errorf("unit %q has no YAML block", scope)
	}
	return units, nil
}

func headingText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
	}
	return strings.TrimSpace(buf.String())
}

func blockText(n *ast.FencedCodeBlock, source []byte) []byte {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.Bytes()
}

// splitFrontmatter separates a leading "---" delimited YAML block from
// the markdown body. Returns nil frontmatter when none is present.
func splitFrontmatter(content []byte) (body, fm []byte) {
	lines := bytes.Split(content, []byte("\n"))
	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}
	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			return bytes.Join(lines[i+1:], []byte("\n")), bytes.Join(lines[1:i], []byte("\n"))
		}
	}
	return content, nil
}
