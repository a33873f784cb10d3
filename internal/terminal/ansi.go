package terminal

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// StripControl removes terminal control sequences (cursor movement, colour,
// OSC titles, bells) and normalises line endings so only printable text and
// '\n' remain. Backspaces erase the preceding rune, which is how the kOS
// console redraws characters it rejected.
func StripControl(s string) string {
	if s == "" {
		return s
	}
	s = ansi.Strip(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	if !strings.ContainsAny(s, "\b\x00\x07") {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '\b':
			if n := len(out); n > 0 && out[n-1] != '\n' {
				out = out[:n-1]
			}
		case 0, '\a':
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
