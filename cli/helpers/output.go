package helpers

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/flowline/flowline/engine/core"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	statusColors = map[string]lipgloss.Color{
		string(core.StatusComplete): lipgloss.Color("#04B575"),
		string(core.StatusFailed):   lipgloss.Color("#FF6B6B"),
		string(core.StatusSkipped):  lipgloss.Color("#888888"),
		string(core.StatusCanceled): lipgloss.Color("#FFA500"),
		string(core.StatusRunning):  lipgloss.Color("#00BFFF"),
		string(core.StatusReady):    lipgloss.Color("#00BFFF"),
	}
)

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Status renders a task or run status in its color.
func Status(status string) string {
	color, ok := statusColors[status]
	if !ok {
		return status
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true).Render(status)
}

func Header(s string) string {
	return headerStyle.Render(s)
}

func Muted(s string) string {
	return mutedStyle.Render(s)
}

// Table renders rows under headers, sized to the terminal.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Width(TerminalWidth()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
	return t.Render()
}

// TerminalWidth is the width of stdout, or a default when it is not a terminal.
func TerminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return defaultTerminalWidth
}

// Truncate returns s truncated to at most maxLength characters.
// If s is longer than maxLength and maxLength > 3, the result ends with "...".
func Truncate(s string, maxLength int) string {
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(r[:maxLength])
	}
	return string(r[:maxLength-3]) + "..."
}

// FormatTime prints t in local time, or "-" when unset.
func FormatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(dateTimeFormat)
}

// FormatDuration rounds d for display.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
