// Package tui renders the live run dashboard and the end-of-run report.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/scheduler"
)

const refreshInterval = time.Second

// Snapshot is one refresh of the dashboard. Status is nil when only the
// store is being watched.
type Snapshot struct {
	DBOK      bool
	SessionID string
	Status    *scheduler.Status
	Queue     persistence.QueueStats
	Counts    map[persistence.TaskStatus]int
	Uptime    time.Duration
	LastError error
}

type StatusProvider func(ctx context.Context) Snapshot

type model struct {
	ctx      context.Context
	provider StatusProvider
	snap     Snapshot
	feed     *ActivityFeed
	sub      *bus.Subscription
	now      func() time.Time
}

type tickMsg time.Time

type busEventMsg struct {
	event bus.Event
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busEventMsg{event: event}
	}
}

func newModel(ctx context.Context, provider StatusProvider, sub *bus.Subscription) model {
	return model{
		ctx:      ctx,
		provider: provider,
		snap:     provider(ctx),
		feed:     NewActivityFeed(),
		sub:      sub,
		now:      time.Now,
	}
}

func (m model) Init() tea.Cmd {
	if m.sub != nil {
		return tea.Batch(tickCmd(), waitForEvent(m.sub))
	}
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		}
	case tickMsg:
		m.snap = m.provider(m.ctx)
		m.feed.CleanupOld(m.now(), 10*time.Minute)
		return m, tickCmd()
	case busEventMsg:
		m.feed.AddEvent(msg.event, m.now())
		return m, waitForEvent(m.sub)
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(18)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
	errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
)

func row(label, value string) string {
	return labelStyle.Render(label) + value + "\n"
}

func (m model) View() string {
	s := m.snap
	var left strings.Builder
	title := "apiforge"
	if s.SessionID != "" {
		title += " · " + s.SessionID
	}
	left.WriteString(titleStyle.Render(title) + "\n\n")

	db := okStyle.Render("ok")
	if !s.DBOK {
		db = errStyle.Render("unavailable")
	}
	left.WriteString(row("Database", db))
	left.WriteString(row("Uptime", s.Uptime.Truncate(time.Second).String()))
	left.WriteString(row("Queue Ready", fmt.Sprintf("%d", s.Queue.Ready)))
	left.WriteString(row("Queue Delayed", fmt.Sprintf("%d", s.Queue.Delayed)))
	left.WriteString(row("Average Wait", s.Queue.AverageWait.Truncate(time.Millisecond).String()))
	for _, st := range sortedStatuses(s.Counts) {
		left.WriteString(row(statusLabel(st), fmt.Sprintf("%d", s.Counts[st])))
	}

	var right strings.Builder
	if st := s.Status; st != nil {
		right.WriteString(titleStyle.Render("Scheduler") + "\n\n")
		right.WriteString(row("State", string(st.State)))
		right.WriteString(row("Mode", string(st.Mode)))
		if st.Pattern != "" {
			right.WriteString(row("Pattern", fmt.Sprintf("%s (%s)", st.Pattern, st.Complexity)))
		}
		if st.Pool != nil {
			right.WriteString(row("Workers", fmt.Sprintf("%d (%d busy)", st.Pool.Workers, st.Pool.ActiveWorkers)))
			right.WriteString(row("Utilization", fmt.Sprintf("%.0f%%", st.Pool.Utilization*100)))
			right.WriteString(row("Completed", fmt.Sprintf("%d", st.Pool.TasksCompleted)))
			right.WriteString(row("Failed", fmt.Sprintf("%d", st.Pool.TasksFailed)))
			right.WriteString(row("Avg Task Time", st.Pool.AvgDuration.Truncate(time.Millisecond).String()))
		}
		if st.Phase != nil {
			right.WriteString(row("Phase", fmt.Sprintf("%s (%d/%d)", st.Phase.CurrentPhase, st.Phase.Completed+1, st.Phase.Total)))
		}
		if st.Scaler != nil {
			right.WriteString(row("Thresholds", fmt.Sprintf("up %.2f / down %.2f", st.Scaler.ScaleUp, st.Scaler.ScaleDown)))
			right.WriteString(row("Scaling Events", fmt.Sprintf("%d", st.Scaler.ScalingEvents)))
			if r := st.Scaler.LastResources; r != nil {
				right.WriteString(row("Host", fmt.Sprintf("cpu %.0f%% · %.0f MB free", r.CPUPercent, r.AvailableMemoryMB)))
			}
		}
		if st.Error != "" {
			right.WriteString(row("Error", errStyle.Render(st.Error)))
		}
	}

	body := panelStyle.Render(strings.TrimRight(left.String(), "\n"))
	if right.Len() > 0 {
		body = lipgloss.JoinHorizontal(lipgloss.Top, body, " ", panelStyle.Render(strings.TrimRight(right.String(), "\n")))
	}

	var out strings.Builder
	out.WriteString(body + "\n")
	if s.LastError != nil {
		out.WriteString(errStyle.Render("Last error: "+humanError(s.LastError)) + "\n")
	}
	if feed := m.feed.View(); feed != "" {
		out.WriteString("\n" + feed)
	}
	out.WriteString("\nPress q to quit, a to toggle activity.\n")
	return out.String()
}

func sortedStatuses(counts map[persistence.TaskStatus]int) []persistence.TaskStatus {
	out := make([]persistence.TaskStatus, 0, len(counts))
	for st := range counts {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func statusLabel(st persistence.TaskStatus) string {
	s := strings.ReplaceAll(string(st), "_", " ")
	if s == "" {
		return s
	}
	return "Tasks " + s
}

// Run shows the dashboard until the user quits or ctx ends. Scheduler,
// scaling, phase and maintenance events from events (may be nil) feed the
// activity list.
func Run(ctx context.Context, provider StatusProvider, events *bus.Bus) error {
	defer bestEffortResetTTY()

	var sub *bus.Subscription
	if events != nil {
		sub = events.SubscribeBuffered("", 256)
		defer events.Unsubscribe(sub)
	}
	p := tea.NewProgram(newModel(ctx, provider, sub))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
