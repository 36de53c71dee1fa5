package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/hewenyu/selfheal/internal/engine"
	"github.com/hewenyu/selfheal/internal/health"
	"github.com/hewenyu/selfheal/internal/recoverylog"
)

var statusColors = map[health.Status]*color.Color{
	health.StatusHealthy:    color.New(color.FgGreen),
	health.StatusDegraded:   color.New(color.FgYellow),
	health.StatusUnhealthy:  color.New(color.FgRed),
	health.StatusRecovering: color.New(color.FgCyan),
	health.StatusFailed:     color.New(color.FgRed, color.Bold),
}

var (
	headerColor = color.New(color.Bold)
	okColor     = color.New(color.FgGreen)
	failColor   = color.New(color.FgRed)
	dryRunColor = color.New(color.FgYellow)
	subtleColor = color.New(color.Faint)
)

// colorStatus 先按宽度补齐再着色，避免转义字符破坏对齐
func colorStatus(s health.Status, width int) string {
	text := fmt.Sprintf("%-*s", width, string(s))
	if c, ok := statusColors[s]; ok {
		return c.Sprint(text)
	}
	return text
}

func renderStatus(w io.Writer, report engine.StatusReport, verbose bool) {
	running := failColor.Sprint("stopped")
	if report.Running {
		running = okColor.Sprint("running")
	}
	mode := report.Mode
	if report.DryRun {
		mode += dryRunColor.Sprint(" (dry-run)")
	}
	fmt.Fprintf(w, "monitor: %s  mode: %s  thresholds: %d/%d  max attempts: %d\n\n",
		running, mode, report.Thresholds.Degraded, report.Thresholds.Unhealthy, report.MaxAttempts)

	// 最严重的排在前面
	services := append([]health.ServiceHealth(nil), report.Services...)
	health.SortBySeverity(services)

	nameWidth := len("SERVICE")
	for _, s := range services {
		if len(s.Name) > nameWidth {
			nameWidth = len(s.Name)
		}
	}

	headerColor.Fprintf(w, "%-*s  %-10s  %-8s  %-8s  %s\n", nameWidth, "SERVICE", "STATUS", "FAILURES", "ATTEMPTS", "LAST CHECK")
	for _, s := range services {
		fmt.Fprintf(w, "%-*s  %s  %-8d  %-8d  %s\n",
			nameWidth, s.Name,
			colorStatus(s.Status, 10),
			s.ConsecutiveFailures,
			s.RecoveryAttemptsInEpisode,
			formatTime(s.LastCheckedAt))
		if verbose && s.LastDetail != "" {
			fmt.Fprintf(w, "%-*s  %s\n", nameWidth, "", subtleColor.Sprint(s.LastDetail))
		}
	}

	if verbose && len(report.Recent) > 0 {
		fmt.Fprintln(w)
		headerColor.Fprintln(w, "RECENT ACTIONS")
		for _, r := range report.Recent {
			renderRecordLine(w, r)
		}
	}
}

// renderRecord 输出人工触发的结果
func renderRecord(w io.Writer, r recoverylog.Record) {
	renderRecordLine(w, r)
	fmt.Fprintf(w, "record: %s\n", r.ID)
}

func renderRecordLine(w io.Writer, r recoverylog.Record) {
	result := failColor.Sprint("failed")
	switch {
	case r.Kind == recoverylog.KindAlert:
		result = dryRunColor.Sprint("alert")
	case r.DryRun:
		result = dryRunColor.Sprint("dry-run")
	case r.Success:
		result = okColor.Sprint("ok")
	}

	fmt.Fprintf(w, "%s  %-16s %-8s %-7s #%d  %s  %s\n",
		formatTime(r.StartedAt),
		r.Service,
		r.Action,
		r.Trigger,
		r.Attempt,
		result,
		oneLine(r.Detail))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
