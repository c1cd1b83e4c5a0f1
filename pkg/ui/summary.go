package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"tgingest/pkg/cursor"
	"tgingest/pkg/models"
)

// PrintReport writes a per-channel table for a finished run
func PrintReport(w io.Writer, r *models.RunReport) {
	if r == nil {
		return
	}
	status := Green(strings.ToUpper(r.Status))
	if r.Status != models.RunSuccess {
		status = Yellow(strings.ToUpper(r.Status))
	}
	fmt.Fprintf(w, "%s %s  %s\n", Cyan("Run"), r.RunID, status)
	fmt.Fprintf(w, "%s %s\n\n", Dim("took"), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tSTATE\tMESSAGES\tIMAGES\tPAGES\tSKIPPED\tCURSOR\tCAUSE")
	for _, c := range r.Channels {
		state := Green(string(c.State))
		if c.State == models.StateFailed {
			state = Red(string(c.State))
		}
		cause := "-"
		if c.ErrorType != "" {
			cause = c.ErrorType
			if c.Cause != "" {
				cause += ": " + truncate(c.Cause, 60)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d → %d\t%s\n",
			c.Channel, state, c.Count, c.Assets, c.Pages, c.Skipped, c.StartCursor, c.EndCursor, cause)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%s %d messages, %d images", Cyan("Total:"), r.Messages, r.Assets)
	if len(r.FetchLatencyMS) > 0 {
		keys := make([]string, 0, len(r.FetchLatencyMS))
		for k := range r.FetchLatencyMS {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%.0fms", k, r.FetchLatencyMS[k]))
		}
		fmt.Fprintf(w, "  %s %s", Dim("fetch"), strings.Join(parts, " "))
	}
	fmt.Fprintln(w)
}

// PrintCursors writes the stored resume positions
func PrintCursors(w io.Writer, cursors []cursor.Cursor) {
	if len(cursors) == 0 {
		fmt.Fprintln(w, Dim("no cursors stored"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tLAST MESSAGE\tMESSAGE TIME\tUPDATED")
	for _, c := range cursors {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.Channel, c.LastMessageID, formatTime(c.LastMessageTimestamp), formatTime(c.UpdatedAt))
	}
	tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
