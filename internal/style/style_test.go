package style

import (
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
)

func TestMeter(t *testing.T) {
	tests := []struct {
		frac float64
		want string
	}{
		{0, "░░░░░░░░░░"},
		{0.5, "█████░░░░░"},
		{1, "██████████"},
		{2, "██████████"},
		{-1, "░░░░░░░░░░"},
	}
	for _, tt := range tests {
		if got := ansi.Strip(Meter(tt.frac, 10)); got != tt.want {
			t.Errorf("Meter(%v) = %q, want %q", tt.frac, got, tt.want)
		}
	}
	if Meter(0.5, 0) != "" {
		t.Error("zero width meter not empty")
	}
}

func TestDisableStripsColour(t *testing.T) {
	Disable()
	if got := Success.Render("ok"); strings.Contains(got, "\x1b[") {
		t.Errorf("Render after Disable = %q", got)
	}
	if SuccessPrefix != "✓" {
		t.Errorf("SuccessPrefix = %q", SuccessPrefix)
	}
}
