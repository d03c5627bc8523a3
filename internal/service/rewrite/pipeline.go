// Package rewrite turns the model's markdown-like answer dialect into
// render-ready HTML with MathJax delimiters.
//
// Rewrite is not idempotent: apply it once to raw text and never feed its
// output back in.
package rewrite

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

type pass struct {
	name  string
	apply func(string) string
}

var (
	blockMathPattern  = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	inlineMathPattern = regexp.MustCompile(`\$([^$\n]+)\$`)
	shieldPattern     = regexp.MustCompile("\x00([0-9]+)\x00")

	boldPattern       = regexp.MustCompile(`\*\*([^\n]+?)\*\*`)
	italicPattern     = regexp.MustCompile(`\*([^\s*](?:[^*\n]*[^\s*])?)\*`)
	h3Pattern         = regexp.MustCompile(`(?m)^### (.*)$`)
	h2Pattern         = regexp.MustCompile(`(?m)^## (.*)$`)
	h1Pattern         = regexp.MustCompile(`(?m)^# (.*)$`)
	listPattern       = regexp.MustCompile(`(?m)^[*-] (.*)$`)
	rulePattern       = regexp.MustCompile(`(?m)^---[ \t]*$`)
	blockquotePattern = regexp.MustCompile(`(?m)^&gt; ?(.*)$`)
	codePattern       = regexp.MustCompile("`([^`\n]+)`")
	linkPattern       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^()\s]+)\)`)
)

var escaper = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\x00", "\uFFFD")

// markupPasses run after math has been lifted out of the text, in order.
var markupPasses = []pass{
	{"emphasis", func(s string) string {
		s = boldPattern.ReplaceAllString(s, "<strong>${1}</strong>")
		return italicPattern.ReplaceAllString(s, "<em>${1}</em>")
	}},
	{"headings", func(s string) string {
		s = h3Pattern.ReplaceAllString(s, "<h3>${1}</h3>")
		s = h2Pattern.ReplaceAllString(s, "<h2>${1}</h2>")
		return h1Pattern.ReplaceAllString(s, "<h1>${1}</h1>")
	}},
	{"list", func(s string) string { return listPattern.ReplaceAllString(s, "<li>${1}</li>") }},
	{"rule", func(s string) string { return rulePattern.ReplaceAllString(s, "<hr>") }},
	{"blockquote", func(s string) string {
		return blockquotePattern.ReplaceAllString(s, "<blockquote>${1}</blockquote>")
	}},
	{"code", func(s string) string { return codePattern.ReplaceAllString(s, "<code>${1}</code>") }},
	{"link", func(s string) string { return linkPattern.ReplaceAllStringFunc(s, renderLink) }},
	// Line-anchored passes above rely on the newlines this one removes.
	{"breaks", func(s string) string { return strings.ReplaceAll(s, "\n", "<br>") }},
}

// Escape applies only the first pass: it neutralises characters that carry
// meaning in HTML. User messages are rendered with Escape alone.
func Escape(raw string) string {
	return html.EscapeString(escaper.Replace(raw))
}

// Rewrite converts raw answer text into HTML. It never fails; constructs it
// cannot parse are passed through escaped.
func Rewrite(raw string) string {
	if raw == "" {
		return ""
	}

	out := Escape(raw)

	var math mathShield
	out = blockMathPattern.ReplaceAllStringFunc(out, func(m string) string {
		body := m[2 : len(m)-2]
		return math.hide(`\[` + body + `\]`)
	})
	out = inlineMathPattern.ReplaceAllStringFunc(out, func(m string) string {
		body := m[1 : len(m)-1]
		return math.hide(`\(` + body + `\)`)
	})

	for _, p := range markupPasses {
		out = p.apply(out)
	}

	return math.restore(out)
}

// Passes lists the pass names in application order.
func Passes() []string {
	names := []string{"escape", "block-math", "inline-math"}
	for _, p := range markupPasses {
		names = append(names, p.name)
	}
	return names
}

// mathShield keeps converted math bodies away from the markup passes so that
// "a*b*c" inside a formula is not turned into emphasis.
type mathShield struct {
	spans []string
}

func (m *mathShield) hide(rendered string) string {
	m.spans = append(m.spans, rendered)
	return "\x00" + strconv.Itoa(len(m.spans)-1) + "\x00"
}

func (m *mathShield) restore(s string) string {
	if len(m.spans) == 0 {
		return s
	}
	return shieldPattern.ReplaceAllStringFunc(s, func(token string) string {
		idx, err := strconv.Atoi(token[1 : len(token)-1])
		if err != nil || idx >= len(m.spans) {
			return token
		}
		return m.spans[idx]
	})
}

func renderLink(match string) string {
	parts := linkPattern.FindStringSubmatch(match)
	label, href := parts[1], parts[2]
	if !safeHref(href) {
		return label
	}
	return `<a href="` + href + `">` + label + `</a>`
}

// safeHref allows relative links and a short list of schemes. href is
// already HTML-escaped, so quotes cannot break out of the attribute.
func safeHref(href string) bool {
	u, err := url.Parse(html.UnescapeString(href))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https", "mailto":
		return true
	default:
		return false
	}
}
