// Package ui renders styled terminal output for the shelf CLI.
//
// Styles degrade to plain text when stdout is not a terminal or NO_COLOR is
// set.
package ui

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var renderer = lipgloss.NewRenderer(os.Stdout)

var (
	accentStyle = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#5FAFFF"})
	passStyle   = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008700", Dark: "#87D787"})
	warnStyle   = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF5F00", Dark: "#FFAF5F"})
	failStyle   = renderer.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"})
	mutedStyle  = renderer.NewStyle().Foreground(lipgloss.Color("244"))
	boldStyle   = renderer.NewStyle().Bold(true)
	panelStyle  = renderer.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func init() {
	if os.Getenv("NO_COLOR") != "" || !IsTerminal(os.Stdout) {
		SetColor(false)
	}
}

// SetColor forces colored output on or off.
func SetColor(enabled bool) {
	if enabled {
		renderer.SetColorProfile(termenv.EnvColorProfile())
		return
	}
	renderer.SetColorProfile(termenv.Ascii)
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of stdout, or 80 when unknown.
func Width() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// Panel draws a bordered box around lines.
func Panel(lines ...string) string {
	return panelStyle.Render(strings.Join(lines, "\n"))
}

// Bar renders a fixed-width progress bar for fraction in [0, 1].
func Bar(fraction float64, width int) string {
	if width <= 0 {
		return ""
	}
	fraction = max(0, min(1, fraction))
	filled := int(fraction*float64(width) + 0.5)
	return RenderAccent(strings.Repeat("█", filled)) + RenderMuted(strings.Repeat("░", width-filled))
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
