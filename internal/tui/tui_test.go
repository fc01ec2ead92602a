package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/engine"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/progressive"
	"github.com/basket/apiforge/internal/scaler"
	"github.com/basket/apiforge/internal/scheduler"
)

func runningSnapshot() Snapshot {
	return Snapshot{
		DBOK:      true,
		SessionID: "s1",
		Queue:     persistence.QueueStats{Total: 7, Ready: 5, Delayed: 2, AverageWait: 1500 * time.Millisecond},
		Counts: map[persistence.TaskStatus]int{
			persistence.TaskStatusPending:   5,
			persistence.TaskStatusCompleted: 12,
		},
		Uptime: 42 * time.Second,
		Status: &scheduler.Status{
			State:      scheduler.StateRunning,
			Mode:       progressive.ModeSmart,
			Pattern:    "resource_heavy",
			Complexity: "medium",
			Pool:       &engine.WorkerMetrics{Workers: 4, ActiveWorkers: 3, Utilization: 0.75, TasksCompleted: 12},
			Phase:      &progressive.Summary{CurrentPhase: "ramp_up", Completed: 1, Total: 4},
			Scaler: &scaler.Summary{
				ScaleUp: 0.8, ScaleDown: 0.3, ScalingEvents: 2,
				LastResources: &scaler.ResourceSample{CPUPercent: 35, AvailableMemoryMB: 2048},
			},
		},
	}
}

func TestView_ShowsQueueAndScheduler(t *testing.T) {
	m := model{snap: runningSnapshot(), feed: NewActivityFeed(), now: time.Now}
	view := m.View()
	for _, want := range []string{
		"apiforge · s1",
		"Queue Ready",
		"Tasks pending",
		"Tasks completed",
		"4 (3 busy)",
		"75%",
		"ramp_up (2/4)",
		"up 0.80 / down 0.30",
		"resource_heavy (medium)",
		"cpu 35%",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestView_StoreOnlyAndErrors(t *testing.T) {
	m := model{
		snap: Snapshot{DBOK: false, LastError: errors.New("stats: database is locked")},
		feed: NewActivityFeed(),
		now:  time.Now,
	}
	view := m.View()
	if strings.Contains(view, "Scheduler") {
		t.Fatalf("store-only view should not render the scheduler panel:\n%s", view)
	}
	if !strings.Contains(view, "unavailable") || !strings.Contains(view, "Database is locked") {
		t.Fatalf("expected db error details, got:\n%s", view)
	}
}

func TestModel_HeadlessUpdate(t *testing.T) {
	calls := 0
	provider := func(context.Context) Snapshot {
		calls++
		return Snapshot{DBOK: true, Uptime: time.Duration(calls) * time.Second}
	}
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	m := newModel(context.Background(), provider, sub)
	if cmd := m.Init(); cmd == nil {
		t.Fatal("expected Init to return a cmd")
	}

	if _, quit := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}); quit == nil {
		t.Fatal("expected quit command on 'q' key")
	}

	updated, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	if got := updated.(model).snap.Uptime; got != 2*time.Second {
		t.Fatalf("snapshot not refreshed, uptime %s", got)
	}

	ev := bus.Event{Topic: bus.TopicScaling, Payload: bus.ScalingEvent{Action: "scale_up", Current: 2, Target: 4, Reason: "queue pressure"}}
	updated, cmd = m.Update(busEventMsg{event: ev})
	if cmd == nil {
		t.Fatal("expected the model to keep listening for events")
	}
	if !strings.Contains(updated.(model).View(), "scale_up 2 → 4") {
		t.Fatalf("scaling event missing from view:\n%s", updated.(model).View())
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, func(context.Context) Snapshot { return Snapshot{DBOK: true} }, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}

func TestRenderReport(t *testing.T) {
	r := scheduler.Report{
		SessionID:          "s1",
		Mode:               progressive.ModeSmart,
		State:              scheduler.StateStopped,
		Pattern:            "rest_crud",
		Complexity:         "simple",
		Duration:           90 * time.Second,
		TotalTasks:         20,
		Completed:          19,
		Failed:             1,
		PeakWorkers:        6,
		AvgWorkers:         4.5,
		RecommendedWorkers: 5,
		Variance:           0.1,
		ThroughputPerMin:   12.7,
		Phases: []progressive.PhaseRecord{
			{Name: "warmup", TargetWorkers: 2, Duration: 30 * time.Second, FinalThroughput: 8, Reason: "stable"},
		},
		RecentDecisions: []scaler.Decision{
			{Action: scaler.ActionScaleUp, Current: 4, Target: 6, Reason: "queue pressure"},
		},
	}
	out := RenderReport(r)
	for _, want := range []string{
		"Run report · s1",
		"20 total · 19 completed · 1 failed",
		"12.7 endpoints/min",
		"peak 6 · avg 4.5 · recommended 5 (variance 10%)",
		"warmup",
		"scale_up",
		"queue pressure",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}
