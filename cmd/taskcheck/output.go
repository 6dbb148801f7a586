package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/taskcheck/internal/orchestrator"
	"github.com/kalambet/taskcheck/internal/task"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func stateColor(s orchestrator.State) string {
	switch s {
	case orchestrator.StateReady:
		return colorGreen
	case orchestrator.StateFailed:
		return colorRed
	case orchestrator.StateNotFound:
		return colorYellow
	}
	return colorCyan
}

// writeReport renders a module report as one line per module.
func writeReport(w io.Writer, r orchestrator.Report) {
	for _, m := range r.Modules {
		line := fmt.Sprintf("  %-22s %s", m.Name, colorize(stateColor(m.State), string(m.State)))
		if m.Critical {
			line += " (critical)"
		}
		if m.Error != "" {
			line += "  " + m.Error
		}
		fmt.Fprintln(w, line)
	}

	summary := fmt.Sprintf("%d ready, %d failed, %d not found, %d pending",
		len(r.Ready), len(r.Failed), len(r.NotFound), len(r.Pending))
	switch {
	case r.Partial && r.TimedOut:
		summary += ", init timed out"
	case r.Partial:
		summary += ", partial"
	case r.Degraded:
		summary += ", degraded"
	}
	fmt.Fprintln(w, summary)
}

// writeResult renders a verification result.
func writeResult(w io.Writer, r task.Result) {
	mark := colorize(colorGreen, "✓")
	if !r.Success {
		mark = colorize(colorRed, "✗")
	}
	fmt.Fprintf(w, "%s %s %s\n", mark, r.ItemID, r.Message)

	var details []string
	details = append(details, "status="+string(r.Status))
	if r.Reason != "" {
		details = append(details, "reason="+r.Reason)
	}
	if r.ErrorCategory != "" {
		details = append(details, "error="+r.ErrorCategory)
	}
	if r.Reward != nil {
		details = append(details, fmt.Sprintf("reward=%d %s", r.Reward.Amount, r.Reward.Kind))
	}
	if r.Cached {
		details = append(details, "cached")
	}
	fmt.Fprintf(w, "  %s\n", strings.Join(details, " "))
}
