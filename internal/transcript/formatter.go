package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/drover-sh/drover/internal/journal"
	"github.com/drover-sh/drover/internal/task"
)

// Formatter formats task activity for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatProgress formats a progress event for console display
func (f *Formatter) FormatProgress(tool string, ev task.ProgressEvent) string {
	var parts []string
	if ev.Percent != nil {
		parts = append(parts, fmt.Sprintf("%.0f%%", *ev.Percent))
	}
	if ev.Stats != nil {
		parts = append(parts, fmt.Sprintf("cpu %.0f%%", ev.Stats.CPUPercent))
		parts = append(parts, fmt.Sprintf("rss %s", f.formatSize(ev.Stats.RSSBytes)))
	}

	if len(parts) > 0 {
		return fmt.Sprintf("[%s] %s (%s)", tool, ev.Message, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("[%s] %s", tool, ev.Message)
}

// FormatResult formats a terminal outcome for console display
func (f *Formatter) FormatResult(tool string, res task.ExecutionResult) string {
	var line string

	switch res.State {
	case task.StateSucceeded:
		line = fmt.Sprintf("[%s] succeeded in %s (exit 0)", tool, f.formatDuration(res.Duration))
		if res.FromCache {
			line += " [cached]"
		}
		if res.Truncated {
			line += ", output truncated"
		}
		return line

	case task.StateFailed:
		if res.FailureKind == task.FailureToolNotFound {
			line = fmt.Sprintf("[%s] tool not found", tool)
		} else {
			line = fmt.Sprintf("[%s] failed (exit %d) after %s", tool, res.ExitCode, f.formatDuration(res.Duration))
		}

	case task.StateTimedOut:
		line = fmt.Sprintf("[%s] timed out after %s", tool, f.formatDuration(res.Duration))
		if res.EstimateLow {
			line += " (budget was estimated from an incomplete scan)"
		}

	case task.StateCancelled:
		line = fmt.Sprintf("[%s] cancelled after %s", tool, f.formatDuration(res.Duration))

	default:
		line = fmt.Sprintf("[%s] %s", tool, res.State)
	}

	return line + f.indentDiagnostic(res.Diagnostic)
}

// FormatRecord formats a journal record for console display
func (f *Formatter) FormatRecord(rec journal.Record) string {
	ts := rec.Timestamp.Format("15:04:05")

	switch rec.Kind {
	case journal.KindProgress:
		return fmt.Sprintf("%s [%s] %s", ts, rec.Tool, rec.Message)
	case journal.KindResult:
		line := fmt.Sprintf("%s [%s] %s (exit %d, %s)",
			ts, rec.Tool, rec.State, rec.ExitCode,
			f.formatDuration(time.Duration(rec.DurationMs)*time.Millisecond))
		if rec.FromCache {
			line += " [cached]"
		}
		return line
	default:
		return fmt.Sprintf("%s [%s] %s", ts, rec.Tool, rec.Kind)
	}
}

// indentDiagnostic renders a diagnostic under its summary line
func (f *Formatter) indentDiagnostic(diag string) string {
	if diag == "" {
		return ""
	}
	return "\n  " + strings.ReplaceAll(diag, "\n", "\n  ")
}

// formatDuration renders a duration at console-friendly precision
func (f *Formatter) formatDuration(d time.Duration) string {
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(10 * time.Millisecond).String()
}

// formatSize formats a byte size in a human-readable format
func (f *Formatter) formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
