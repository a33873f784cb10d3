// Package style holds the terminal styles used by CLI output.
package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	colorPrimary = lipgloss.Color("39")  // blue
	colorSuccess = lipgloss.Color("76")  // green
	colorWarning = lipgloss.Color("214") // orange
	colorError   = lipgloss.Color("196") // red
	colorMuted   = lipgloss.Color("242") // gray
)

var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Foreground(colorMuted)
	Info    = lipgloss.NewStyle().Foreground(colorPrimary)
	Success = lipgloss.NewStyle().Foreground(colorSuccess)
	Warning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	Error   = lipgloss.NewStyle().Foreground(colorError).Bold(true)

	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix   = Error.Render("✗")
)

func init() {
	if !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
		refreshPrefixes()
	}
}

// ShouldUseColor reports whether stdout is a terminal and NO_COLOR is unset.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("KOSCTL_COLOR") == "always" {
		return true
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Disable turns colour off for the rest of the process, e.g. for --json.
func Disable() {
	lipgloss.SetColorProfile(termenv.Ascii)
	refreshPrefixes()
}

func refreshPrefixes() {
	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix = Error.Render("✗")
}

// Width returns the terminal width of stdout, or 80 when it is not a
// terminal.
func Width() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 80
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// Meter renders a fraction in [0,1] as a bar of width cells.
func Meter(frac float64, width int) string {
	if width <= 0 {
		return ""
	}
	switch {
	case frac < 0 || frac != frac:
		frac = 0
	case frac > 1:
		frac = 1
	}
	filled := int(frac*float64(width) + 0.5)
	bar := make([]rune, width)
	for i := range bar {
		if i < filled {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}
	return Info.Render(string(bar[:filled])) + Dim.Render(string(bar[filled:]))
}
