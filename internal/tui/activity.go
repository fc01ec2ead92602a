package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/apiforge/internal/bus"
)

const maxMessageLen = 96

// ActivityItem is one line of the dashboard's event feed.
type ActivityItem struct {
	At      time.Time
	Icon    string
	Message string
}

// ActivityFeed keeps the most recent scheduler events for display.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(item.Message) > maxMessageLen {
		item.Message = item.Message[:maxMessageLen-3] + "..."
	}
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

// AddEvent appends a feed line for ev. Events with no dashboard meaning
// are ignored and AddEvent reports false.
func (f *ActivityFeed) AddEvent(ev bus.Event, at time.Time) bool {
	icon, msg, ok := describeEvent(ev)
	if !ok {
		return false
	}
	f.Add(ActivityItem{At: at, Icon: icon, Message: msg})
	return true
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// CleanupOld drops items older than maxAge relative to now.
func (f *ActivityFeed) CleanupOld(now time.Time, maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if now.Sub(it.At) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d events (a to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s %s", dim.Render(it.At.Format("15:04:05")), it.Icon, it.Message)
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}

func describeEvent(ev bus.Event) (icon, msg string, ok bool) {
	switch p := ev.Payload.(type) {
	case bus.ScalingEvent:
		icon = "↕"
		switch p.Action {
		case "scale_up":
			icon = "↑"
		case "scale_down":
			icon = "↓"
		}
		return icon, fmt.Sprintf("%s %d → %d (%s, confidence %.2f)", p.Action, p.Current, p.Target, p.Reason, p.Confidence), true
	case bus.PhaseTransitionEvent:
		return "→", fmt.Sprintf("phase %s → %s after %s at %.1f/min", p.From, p.To, p.Elapsed.Truncate(time.Second), p.Throughput), true
	case bus.PoolScaledEvent:
		return "•", fmt.Sprintf("pool resized %d → %d", p.From, p.To), true
	case bus.SchedulerStateEvent:
		msg = fmt.Sprintf("scheduler %s → %s", p.From, p.To)
		if p.Err != "" {
			return "!", msg + ": " + p.Err, true
		}
		return "•", msg, true
	case bus.MaintenanceEvent:
		if p.Err != "" {
			return "!", fmt.Sprintf("%s failed: %s", p.Job, p.Err), true
		}
		return "•", fmt.Sprintf("%s affected %d", p.Job, p.Affected), true
	}
	if ev.Topic == bus.TopicConfigReloaded {
		if c, ok := ev.Payload.(bus.ConfigReloadedEvent); ok && c.Fingerprint != "" {
			return "•", "config reloaded (" + c.Fingerprint + ")", true
		}
		return "•", "config reloaded", true
	}
	return "", "", false
}
