package runner

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

var (
	blockBoundary = regexp.MustCompile(`(?i)<\s*(?:br|hr|/p|/div|/h[1-6]|/li|/tr|/ul|/ol|/table|/section|/article|/header|/footer|/title)\b[^>]*>`)
	spaceRun      = regexp.MustCompile(`[ \t\f\v]+`)
	cssComment    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	cssPunct      = regexp.MustCompile(`\s*([{}:;,>])\s*`)
)

// WebRenderer produces the comparable output of markup languages: the visible
// text of an HTML document or the normalised rule set of a stylesheet.
type WebRenderer struct {
	policy *bluemonday.Policy
}

// NewWebRenderer builds a renderer that keeps text and drops every element.
func NewWebRenderer() *WebRenderer {
	return &WebRenderer{policy: bluemonday.StrictPolicy()}
}

// Render returns the rendered output as a successful run result.
func (w *WebRenderer) Render(language models.Language, source string) (Result, error) {
	switch language {
	case models.LanguageHTML:
		return Result{Stdout: w.renderHTML(source)}, nil
	case models.LanguageCSS:
		return Result{Stdout: renderCSS(source)}, nil
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
}

func (w *WebRenderer) renderHTML(source string) string {
	marked := blockBoundary.ReplaceAllStringFunc(source, func(tag string) string {
		return tag + "\n"
	})
	text := html.UnescapeString(w.policy.Sanitize(marked))

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func renderCSS(source string) string {
	text := cssComment.ReplaceAllString(source, "")
	text = strings.Join(strings.Fields(text), " ")
	text = cssPunct.ReplaceAllString(text, "$1")
	text = strings.ReplaceAll(text, ";}", "}")

	rules := strings.Split(text, "}")
	out := make([]string, 0, len(rules))
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule != "" {
			out = append(out, rule+"}")
		}
	}
	return strings.Join(out, "\n")
}
