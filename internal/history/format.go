package history

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/convoy/internal/printer"
	"github.com/dyluth/convoy/pkg/runboard"
)

// FormatTable writes runs as a table to the provided writer.
// Returns the number of runs formatted.
func FormatTable(w io.Writer, runs []*runboard.Run, instanceName string) int {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Runs for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-10s %-14s %-7s %-11s %-9s %-9s %-8s %s\n",
		"ID", "BRANCH", "KIND", "STATUS", "STAGE", "DURATION", "AGE", "RELEASE / REASON")
	fmt.Fprintf(w, "%-10s %-14s %-7s %-11s %-9s %-9s %-8s %s\n",
		"----------", "--------------", "-------", "-----------", "---------", "---------", "--------", "----------------------------------------")

	for _, r := range runs {
		// Pad before colouring so escape codes do not break alignment
		status := printer.Status(r.Status, fmt.Sprintf("%-11s", r.Status))
		fmt.Fprintf(w, "%-10s %-14s %-7s %s %-9s %-9s %-8s %s\n",
			formatID(r.ID),
			formatBranch(r.Ref),
			r.Trigger,
			status,
			r.Stage,
			formatDuration(r.StartedAtMs, r.FinishedAtMs),
			formatTimestamp(r.StartedAtMs),
			formatOutcome(r),
		)
	}

	countMsg := "run"
	if len(runs) != 1 {
		countMsg = "runs"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(runs), countMsg)

	return len(runs)
}

// FormatJSONL writes runs as line-delimited JSON, one run per line.
func FormatJSONL(w io.Writer, runs []*runboard.Run) error {
	for _, r := range runs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal run to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one run, including its task records, as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, r *runboard.Run) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// FormatEvent renders one run transition as a single human-readable line.
func FormatEvent(r *runboard.Run) string {
	ts := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] %s %-14s %s", ts, formatID(r.ID), formatBranch(r.Ref), printer.Status(r.Status, string(r.Status)))
	switch {
	case r.Status == runboard.StatusRunning || r.Status == runboard.StatusPending:
		line += " stage=" + string(r.Stage)
	case r.Status == runboard.StatusFailed:
		line += fmt.Sprintf(" stage=%s reason=%q", r.Stage, firstLine(r.Reason, 80))
	case r.ReleaseURL != "":
		line += " " + r.ReleaseURL
	}
	return line
}

// formatID truncates a run ID to its first 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBranch(ref string) string {
	name := strings.TrimPrefix(ref, "refs/heads/")
	if len(name) > 14 {
		return name[:11] + "..."
	}
	return name
}

// formatOutcome shows the release tag for successful runs and the first line of
// the failure reason otherwise.
func formatOutcome(r *runboard.Run) string {
	switch {
	case r.ReleaseTag != "":
		return r.ReleaseTag
	case r.ReleaseURL != "":
		return "draft"
	case r.Reason != "":
		return firstLine(r.Reason, 40)
	default:
		return "-"
	}
}

func firstLine(s string, max int) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			if len(trimmed) > max {
				return trimmed[:max-3] + "..."
			}
			return trimmed
		}
	}
	return "-"
}

func formatDuration(startedMs, finishedMs int64) string {
	if startedMs == 0 || finishedMs == 0 {
		return "-"
	}
	d := time.Duration(finishedMs-startedMs) * time.Millisecond
	if d < time.Minute {
		return d.Round(100 * time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// formatTimestamp renders a millisecond timestamp relative to now, e.g. "2m ago".
func formatTimestamp(timestampMs int64) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := time.Since(time.UnixMilli(timestampMs))

	if diff < time.Minute {
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	} else if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
}
