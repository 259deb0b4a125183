// Package ui renders resolution results for a terminal.
package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"

	"hlsgrab/internal/media"
)

var (
	accent  = lipgloss.Color("205")
	muted   = lipgloss.Color("241")
	success = lipgloss.Color("42")
	warning = lipgloss.Color("214")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("160")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(muted)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	bestStyle   = cellStyle.Foreground(success)
	noteStyle   = lipgloss.NewStyle().Foreground(warning)
)

// Summary describes one result for Render.
type Summary struct {
	Title    string
	Source   media.SourceProvider
	Strategy string
	Duration *float64
	Notes    []string
	Streams  []media.StreamDescriptor
	BestID   string // highlighted row, may be empty
}

// Render formats s as a header block followed by a descriptor table.
func Render(s Summary) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(lo.Ternary(s.Title == "", "Untitled", s.Title)))
	b.WriteString("\n")

	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(label+":"), value)
	}
	field("source", string(s.Source))
	field("strategy", s.Strategy)
	if s.Duration != nil {
		field("duration", formatDuration(*s.Duration))
	}
	for _, n := range s.Notes {
		b.WriteString(noteStyle.Render("! "+n) + "\n")
	}

	if len(s.Streams) == 0 {
		b.WriteString(labelStyle.Render("no streams") + "\n")
		return b.String()
	}
	b.WriteString(Table(s.Streams, s.BestID))
	b.WriteString("\n")
	return b.String()
}

// Table renders descriptors as a bordered table. The row whose format id is
// bestID is highlighted.
func Table(ds []media.StreamDescriptor, bestID string) string {
	rows := lo.Map(ds, func(d media.StreamDescriptor, _ int) []string {
		return []string{
			d.FormatID,
			resolution(d),
			optFloat(d.Bitrate, "%.0fk"),
			string(d.Transport),
			lo.Ternary(d.Verified, "yes", "-"),
			d.URL,
		}
	})

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(muted)).
		Headers("ID", "RES", "TBR", "TRANSPORT", "VERIFIED", "URL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row >= 0 && row < len(ds) && ds[row].FormatID == bestID:
				return bestStyle
			default:
				return cellStyle
			}
		})
	return t.String()
}

// Error renders a failure banner with an optional hint.
func Error(err error, hint string) string {
	out := errorStyle.Render("error") + " " + err.Error() + "\n"
	if hint != "" {
		out += noteStyle.Render(hint) + "\n"
	}
	return out
}

func resolution(d media.StreamDescriptor) string {
	switch {
	case d.Width != nil && d.Height != nil:
		return fmt.Sprintf("%dx%d", *d.Width, *d.Height)
	case d.Height != nil:
		return strconv.Itoa(*d.Height) + "p"
	default:
		return "-"
	}
}

func optFloat(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func formatDuration(seconds float64) string {
	total := int(seconds)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
