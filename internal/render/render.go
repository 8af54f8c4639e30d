// Package render is the template-renderer collaborator. Contract body
// text is produced here at draft creation time only; the lifecycle
// engine never renders.
package render

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Renderer resolves a template id and variable values into contract
// body text. Production deployments plug in a real template service.
type Renderer interface {
	Render(ctx context.Context, templateID string, values map[string]string) (string, error)
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Placeholder substitutes {{key}} markers in registered template text.
type Placeholder struct {
	Templates map[string]string
}

func (p *Placeholder) Render(ctx context.Context, templateID string, values map[string]string) (string, error) {
	text, ok := p.Templates[templateID]
	if !ok {
		return "", fmt.Errorf("unknown template %q", templateID)
	}
	missingSet := map[string]struct{}{}
	raw := placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
		match := placeholderRE.FindStringSubmatch(m)
		if len(match) != 2 {
			return ""
		}
		if v, ok := values[match[1]]; ok {
			return v
		}
		missingSet[match[1]] = struct{}{}
		return ""
	})
	if len(missingSet) > 0 {
		missing := make([]string, 0, len(missingSet))
		for k := range missingSet {
			missing = append(missing, k)
		}
		sort.Strings(missing)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return NormalizeText(raw), nil
}

func NormalizeText(in string) string {
	s := strings.ReplaceAll(in, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}
