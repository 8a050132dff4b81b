package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kalambet/supportkb/internal/kb"
)

var (
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleStep    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func colorize(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleSuccess, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleError, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleWarning, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(styleBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(styleStep, "→ "+msg))
}

// renderResult formats a query result for the terminal.
func renderResult(r kb.Result) string {
	var b strings.Builder
	switch r.Kind() {
	case kb.KindStructured:
		hits, _ := r.Hits()
		if len(hits) == 0 {
			b.WriteString(colorize(styleMuted, "No matching records."))
			break
		}
		for i, h := range hits {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(renderHit(h))
		}
	case kb.KindRaw:
		if n, ok := r.Degraded(); ok {
			b.WriteString(colorize(styleWarning, n.String()))
			break
		}
		text, _ := r.RawText()
		b.WriteString(text)
	}
	return b.String()
}

func renderHit(h kb.Hit) string {
	var b strings.Builder
	header := h.Title
	if h.ID != "" {
		header = fmt.Sprintf("%s  %s", h.Title, colorize(styleMuted, h.ID))
	}
	b.WriteString(colorize(styleBold, header))
	b.WriteString("\n")
	for _, f := range []struct{ label, value string }{
		{"Product", h.Product},
		{"Installation", h.Installation},
		{"Severity", h.Severity},
		{"Status", h.Status},
		{"Resolution", h.Resolution},
	} {
		if f.value == "" {
			continue
		}
		fmt.Fprintf(&b, "  %s %s\n", colorize(styleMuted, f.label+":"), f.value)
	}
	return b.String()
}
