package styles

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{name: "fits", input: "store", width: 10, want: "store"},
		{name: "exact", input: "store", width: 5, want: "store"},
		{name: "cut", input: "session-store", width: 8, want: "session…"},
		{name: "wide runes", input: "日本語テスト", width: 5, want: "日本…"},
		{name: "zero width", input: "store", width: 0, want: ""},
		{name: "empty", input: "", width: 4, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.width); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.width, got, tt.want)
			}
		})
	}
}

func TestTruncate_Styled(t *testing.T) {
	styled := lipgloss.NewStyle().Bold(true).Render("verification failed twice")
	got := Truncate(styled, 12)
	if w := lipgloss.Width(got); w > 12 {
		t.Errorf("width = %d, want at most 12", w)
	}
	if unchanged := Truncate(styled, 100); unchanged != styled {
		t.Errorf("short styled string was modified: %q", unchanged)
	}
}
