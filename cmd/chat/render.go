package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// stdoutIsTerminal reports whether styled output can go to stdout. Piped
// output stays plain.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// printer decorates terminal output. A plain printer returns text unchanged.
type printer struct {
	pretty   bool
	markdown *glamour.TermRenderer
}

func newPrinter(pretty bool) *printer {
	p := &printer{pretty: pretty}
	if !pretty {
		return p
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		logger.Debug("markdown renderer unavailable", "error", err)
		return p
	}
	p.markdown = renderer
	return p
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.pretty {
		return text
	}
	return s.Render(text)
}

func (p *printer) notice(text string) string  { return p.style(noticeStyle, text) }
func (p *printer) failure(text string) string { return p.style(errorStyle, text) }
func (p *printer) label(text string) string   { return p.style(labelStyle, text) }
func (p *printer) muted(text string) string   { return p.style(mutedStyle, text) }

// answer renders a finished assistant message. Streamed fragments are
// printed raw since partial markdown cannot be laid out.
func (p *printer) answer(text string) string {
	if p.markdown == nil {
		return text
	}
	out, err := p.markdown.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}
