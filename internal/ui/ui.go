// Package ui holds the terminal styling shared by the CLI commands.
package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Title renders a section heading.
func Title(s string) string { return titleStyle.Render(s) }

// Success renders a confirmation line with a check mark.
func Success(s string) string { return successStyle.Render("✓ " + s) }

// Warn renders a warning line.
func Warn(s string) string { return warnStyle.Render("! " + s) }

// Error renders an error line.
func Error(s string) string { return errorStyle.Render("✗ " + s) }

// Dim renders secondary text.
func Dim(s string) string { return dimStyle.Render(s) }

// Table renders rows under headers with the shared styling.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		}).
		Headers(headers...)
	for _, row := range rows {
		t.Row(row...)
	}
	return t.Render()
}

// Duration formats a track duration in m:ss.
func Duration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

// Timestamp formats a time for table output, or a dash for zero.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
