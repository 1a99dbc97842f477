package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#5C7A84")
)

var styles = struct {
	Title   lipgloss.Style
	Heading lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Heading: lipgloss.NewStyle().Bold(true).Underline(true),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Bold(true).Foreground(colorError),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
}

func title(w io.Writer, s string) {
	fmt.Fprintln(w, styles.Title.Render(s))
}

func heading(w io.Writer, s string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Heading.Render(s))
}

func success(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, styles.Success.Render("✓ ")+fmt.Sprintf(format, args...))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, styles.Warning.Render("! ")+fmt.Sprintf(format, args...))
}

// table writes tab-separated rows aligned in columns.
func table(w io.Writer, header []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, styles.Muted.Render(strings.Join(header, "\t")))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	tw.Flush()
}

// field writes an aligned "label: value" line.
func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "  %-16s %v\n", label+":", value)
}

// ago renders a stored timestamp relative to now.
func ago(ts string) string {
	t := lifecycle.ParseTime(ts)
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func conf(c float64) string { return fmt.Sprintf("%.2f", c) }

func statusStyle(s string) string {
	switch s {
	case "installed", "resolved", "active", "applied", "approved":
		return styles.Success.Render(s)
	case "rejected", "dismissed", "rolled_back", "disabled":
		return styles.Muted.Render(s)
	case "pending", "proposed":
		return styles.Warning.Render(s)
	}
	return s
}

func history(w io.Writer, entries []store.TransitionEntry) {
	if len(entries) == 0 {
		return
	}
	heading(w, "History")
	for _, h := range entries {
		from := h.From
		if from == "" {
			from = "(new)"
		}
		fmt.Fprintf(w, "  %s  %s → %s\n", styles.Muted.Render(ago(h.At)), from, h.To)
	}
}
