package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/apiforge/internal/scheduler"
)

// RenderReport formats a run report for the terminal.
func RenderReport(r scheduler.Report) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Run report · "+r.SessionID) + "\n\n")

	state := string(r.State)
	if r.Failed > 0 {
		state = errStyle.Render(state)
	} else {
		state = okStyle.Render(state)
	}
	b.WriteString(row("State", state))
	b.WriteString(row("Mode", string(r.Mode)))
	if r.Pattern != "" {
		b.WriteString(row("Pattern", fmt.Sprintf("%s (%s)", r.Pattern, r.Complexity)))
	}
	b.WriteString(row("Duration", r.Duration.Truncate(time.Millisecond).String()))
	b.WriteString(row("Endpoints", fmt.Sprintf("%d total · %d completed · %d failed · %d cancelled",
		r.TotalTasks, r.Completed, r.Failed, r.Cancelled)))
	b.WriteString(row("Retries", fmt.Sprintf("%d", r.Retried)))
	b.WriteString(row("Throughput", fmt.Sprintf("%.1f endpoints/min", r.ThroughputPerMin)))
	b.WriteString(row("Avg Task Time", r.AvgTaskTime.Truncate(time.Millisecond).String()))
	b.WriteString(row("Workers", fmt.Sprintf("peak %d · avg %.1f · recommended %d (variance %.0f%%)",
		r.PeakWorkers, r.AvgWorkers, r.RecommendedWorkers, r.Variance*100)))
	b.WriteString(row("Utilization", fmt.Sprintf("%.0f%%", r.AvgUtil*100)))
	b.WriteString(row("Scaling Events", fmt.Sprintf("%d", r.ScalingEvents)))

	if len(r.Phases) > 0 {
		b.WriteString("\n" + titleStyle.Render("Phases") + "\n")
		for _, p := range r.Phases {
			fmt.Fprintf(&b, "  %-14s %2d workers  %8s  %6.1f/min  %s\n",
				p.Name, p.TargetWorkers, p.Duration.Truncate(time.Second), p.FinalThroughput, p.Reason)
		}
	}
	if len(r.RecentDecisions) > 0 {
		dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
		b.WriteString("\n" + titleStyle.Render("Recent scaling decisions") + "\n")
		for _, d := range r.RecentDecisions {
			fmt.Fprintf(&b, "  %s %-10s %d → %d  %s\n",
				dim.Render(d.At.Format("15:04:05")), d.Action, d.Current, d.Target, d.Reason)
		}
	}
	return panelStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}
