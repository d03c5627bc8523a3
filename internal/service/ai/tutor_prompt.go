package ai

import (
	"fmt"
	"strings"
)

// PromptTemplate defines the structure of the tutor's system prompt
type PromptTemplate struct {
	SystemPrompt string
	StyleHints   []string
	FormatRules  []string
}

// DefaultTutorTemplate is used when no custom system prompt is configured.
var DefaultTutorTemplate = PromptTemplate{
	SystemPrompt: `You are a patient mathematics tutor for secondary school students. You explain how to reach an answer, not only what the answer is.`,
	StyleHints: []string{
		"Work through problems step by step and name the rule used in each step",
		"Check the student's reasoning before correcting it and point at the first wrong step",
		"Prefer a short worked example over a long abstract explanation",
		"When a question is ambiguous, state the interpretation you chose",
	},
	FormatRules: []string{
		"Write inline formulas between single dollar signs, e.g. $x^2+1$",
		"Write display formulas between double dollar signs on their own lines",
		"Use **bold** for final answers and # headings for multi-part solutions",
		"Use - bullets for lists of steps and `code` only for literal input",
		"Never emit raw HTML",
	},
}

// BuildSystemPrompt renders the template. A non-empty custom prompt replaces
// the opening paragraph; the formatting rules always apply.
func (t PromptTemplate) BuildSystemPrompt(custom string) string {
	opening := strings.TrimSpace(custom)
	if opening == "" {
		opening = t.SystemPrompt
	}

	return fmt.Sprintf(`%s

Teaching style:
- %s

Formatting rules:
- %s`,
		opening,
		strings.Join(t.StyleHints, "\n- "),
		strings.Join(t.FormatRules, "\n- "),
	)
}
