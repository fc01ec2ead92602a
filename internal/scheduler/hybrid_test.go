package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/engine"
	"github.com/basket/apiforge/internal/pattern"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/progressive"
	"github.com/basket/apiforge/internal/scaler"
	"github.com/basket/apiforge/internal/scheduler"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "apiforge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func crudEndpoints() []pattern.Endpoint {
	var out []pattern.Endpoint
	for _, res := range []string{"users", "orders", "products"} {
		out = append(out,
			pattern.Endpoint{Method: "GET", Path: "/" + res},
			pattern.Endpoint{Method: "POST", Path: "/" + res},
			pattern.Endpoint{Method: "GET", Path: "/" + res + "/{id}"},
			pattern.Endpoint{Method: "PUT", Path: "/" + res + "/{id}"},
			pattern.Endpoint{Method: "DELETE", Path: "/" + res + "/{id}"},
		)
	}
	return out
}

func enqueueN(t *testing.T, store *persistence.Store, sessionID string, n int) {
	t.Helper()
	batch := make([]persistence.NewTask, n)
	for i := range batch {
		batch[i] = persistence.NewTask{SessionID: sessionID, Payload: fmt.Sprintf(`{"endpoint":%d}`, i)}
	}
	if _, err := store.EnqueueBatch(context.Background(), batch); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []scheduler.EventKind
}

func (r *recordingSink) OnEvent(kind scheduler.EventKind, _ any) {
	r.mu.Lock()
	r.events = append(r.events, kind)
	r.mu.Unlock()
}

func (r *recordingSink) count(kind scheduler.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.events {
		if k == kind {
			n++
		}
	}
	return n
}

func okFactory(counter *atomic.Int64) scheduler.ProcessorFactory {
	return func(context.Context) (engine.Processor, error) {
		return engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
			counter.Add(1)
			return "ok", nil
		}), nil
	}
}

func newScheduler(t *testing.T, store *persistence.Store, cfg scheduler.Config) *scheduler.Scheduler {
	t.Helper()
	cfg.Store = store
	if cfg.DequeueTimeout == 0 {
		cfg.DequeueTimeout = 20 * time.Millisecond
	}
	s, err := scheduler.New(cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestScheduler_RunDrainsQueueAndReports(t *testing.T) {
	store := openStore(t)
	var processed atomic.Int64
	s := newScheduler(t, store, scheduler.Config{
		Mode:      progressive.ModeAuto,
		SessionID: "run-1",
		Overrides: scheduler.Overrides{MonitoringInterval: 20 * time.Millisecond, Cooldown: -1},
	})
	enqueueN(t, store, s.SessionID(), 25)

	ctx := context.Background()
	st, err := s.Analyze(ctx, crudEndpoints())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if st.InitialWorkers != 2 || !st.Progressive {
		t.Fatalf("strategy = %+v", st)
	}
	if p := s.Pattern(); p == nil || p.Name != "RESTful CRUD" {
		t.Fatalf("pattern = %+v", p)
	}
	if err := s.Start(ctx, okFactory(&processed), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.State(); got != scheduler.StateRunning {
		t.Fatalf("state = %s", got)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v (processed %d)", err, processed.Load())
	}
	res, err := s.Stop(time.Second)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Processed != 25 || res.Failed != 0 {
		t.Fatalf("shutdown = %+v", res)
	}
	if got := s.State(); got != scheduler.StateStopped {
		t.Fatalf("state = %s", got)
	}

	report := s.GenerateReport()
	if report.Completed != 25 || report.Failed != 0 {
		t.Fatalf("report completed/failed = %d/%d", report.Completed, report.Failed)
	}
	if report.TotalTasks != 15 || report.RecommendedWorkers != 3 || report.Pattern != "RESTful CRUD" {
		t.Fatalf("report = %+v", report)
	}
	if report.PeakWorkers < 2 || len(report.RecentDecisions) == 0 {
		t.Fatalf("report peak/decisions = %d/%d", report.PeakWorkers, len(report.RecentDecisions))
	}
	if report.Duration <= 0 || report.ThroughputPerMin <= 0 {
		t.Fatalf("report duration/throughput = %s/%v", report.Duration, report.ThroughputPerMin)
	}
	if _, err := s.Stop(time.Second); !errors.Is(err, scheduler.ErrNotRunning) {
		t.Fatalf("second stop err = %v", err)
	}
}

func TestScheduler_TickScalesToPhaseTarget(t *testing.T) {
	store := openStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicScaling)
	defer b.Unsubscribe(sub)
	sink := &recordingSink{}
	s := newScheduler(t, store, scheduler.Config{
		Mode: progressive.ModeAuto,
		Bus:  b,
		Overrides: scheduler.Overrides{
			InitialWorkers:     1,
			MonitoringInterval: time.Hour,
			Cooldown:           -1,
		},
	})
	ctx := context.Background()
	if _, err := s.Analyze(ctx, crudEndpoints()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var processed atomic.Int64
	if err := s.Start(ctx, okFactory(&processed), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(time.Second)

	d := s.Tick(ctx)
	if d.Action != scaler.ActionScaleUp || d.Target != 2 || d.Source != "progressive" {
		t.Fatalf("tick decision = %+v", d)
	}
	if sink.count(scheduler.EventScaling) != 1 {
		t.Fatalf("sink events = %v", sink.events)
	}
	select {
	case ev := <-sub.Ch():
		if payload, ok := ev.Payload.(bus.ScalingEvent); !ok || payload.Target != 2 {
			t.Fatalf("bus event = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no scaling event on the bus")
	}
	status := s.Status(ctx)
	if status.Pool == nil || status.Pool.Workers != 2 {
		t.Fatalf("status pool = %+v", status.Pool)
	}
	if status.Phase == nil || status.Phase.CurrentPhase != progressive.PhaseExploration {
		t.Fatalf("status phase = %+v", status.Phase)
	}

	if d := s.Tick(ctx); d.Action != scaler.ActionMaintain {
		t.Fatalf("second tick = %+v, want maintain at phase target", d)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestScheduler_PhaseTransitionAndCooldown(t *testing.T) {
	store := openStore(t)
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	s := newScheduler(t, store, scheduler.Config{
		Mode:  progressive.ModeAuto,
		Clock: clock.Now,
		Overrides: scheduler.Overrides{
			InitialWorkers:     1,
			MonitoringInterval: time.Hour,
			Cooldown:           time.Hour,
		},
	})
	ctx := context.Background()
	if _, err := s.Analyze(ctx, crudEndpoints()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var processed atomic.Int64
	if err := s.Start(ctx, okFactory(&processed), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(time.Second)

	if d := s.Tick(ctx); d.Action != scaler.ActionScaleUp || d.Target != 2 {
		t.Fatalf("first tick = %+v", d)
	}

	// Exploration runs past its maximum duration with no throughput.
	clock.Advance(361 * time.Second)
	if d := s.Tick(ctx); d.Action != scaler.ActionMaintain {
		t.Fatalf("second tick = %+v", d)
	}
	if sink.count(scheduler.EventPhaseTransition) != 1 {
		t.Fatalf("phase events = %d, want 1", sink.count(scheduler.EventPhaseTransition))
	}

	// Optimization wants 3 workers but the last action is inside the cooldown.
	clock.Advance(time.Second)
	d := s.Tick(ctx)
	if d.Action != scaler.ActionMaintain || !strings.Contains(d.Reason, "not applied") {
		t.Fatalf("third tick = %+v, want degraded maintain", d)
	}
	if got := sink.count(scheduler.EventScaling); got != 1 {
		t.Fatalf("scaling events = %d, want 1", got)
	}
	report := s.GenerateReport()
	if len(report.Phases) != 1 || report.Phases[0].Name != progressive.PhaseExploration {
		t.Fatalf("report phases = %+v", report.Phases)
	}
	if report.ScalingEvents != 1 {
		t.Fatalf("report scaling events = %d", report.ScalingEvents)
	}

	if err := s.UpdateThresholds(0.8, 0.2); err != nil {
		t.Fatalf("update thresholds: %v", err)
	}
	if got := s.Status(ctx).Strategy.ScaleUpThreshold; got != 0.8 {
		t.Fatalf("strategy threshold = %v", got)
	}
}

func TestScheduler_PauseSuspendsDecisions(t *testing.T) {
	store := openStore(t)
	s := newScheduler(t, store, scheduler.Config{
		Mode:      progressive.ModeAuto,
		Overrides: scheduler.Overrides{InitialWorkers: 1, MonitoringInterval: time.Hour, Cooldown: -1},
	})
	ctx := context.Background()
	if _, err := s.Analyze(ctx, crudEndpoints()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var processed atomic.Int64
	if err := s.Start(ctx, okFactory(&processed), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(time.Second)

	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.Pause(); !errors.Is(err, scheduler.ErrNotRunning) {
		t.Fatalf("second pause err = %v", err)
	}
	if d := s.Tick(ctx); d.Action != scaler.ActionMaintain || d.Reason != "scheduler paused" {
		t.Fatalf("paused tick = %+v", d)
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if d := s.Tick(ctx); d.Action != scaler.ActionScaleUp {
		t.Fatalf("resumed tick = %+v", d)
	}
}

func TestScheduler_Lifecycle(t *testing.T) {
	store := openStore(t)
	s := newScheduler(t, store, scheduler.Config{})
	ctx := context.Background()
	if got := s.State(); got != scheduler.StateInitializing {
		t.Fatalf("initial state = %s", got)
	}
	if err := s.Start(ctx, nil, nil); !errors.Is(err, scheduler.ErrNotAnalyzed) {
		t.Fatalf("start before analyze err = %v", err)
	}
	if _, err := s.Analyze(ctx, nil); err == nil {
		t.Fatal("expected empty workload to be rejected")
	}
	if _, err := s.Analyze(ctx, crudEndpoints()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := s.State(); got != scheduler.StateAnalyzing {
		t.Fatalf("state after analyze = %s", got)
	}
	failing := func(context.Context) (engine.Processor, error) { return nil, errors.New("no credentials") }
	if err := s.Start(ctx, failing, nil); err == nil {
		t.Fatal("expected factory error")
	}
	if got := s.State(); got != scheduler.StateStopped {
		t.Fatalf("state after failed start = %s", got)
	}
	if st := s.Status(ctx); st.Error == "" {
		t.Fatal("status should carry the start error")
	}
}

func TestScheduler_RejectsUnknownMode(t *testing.T) {
	store := openStore(t)
	if _, err := scheduler.New(scheduler.Config{Store: store, Mode: "turbo"}); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}

func TestScheduler_FailedTasksReported(t *testing.T) {
	store := openStore(t)
	s := newScheduler(t, store, scheduler.Config{
		Mode:      progressive.ModeSmart,
		SessionID: "run-fail",
		Overrides: scheduler.Overrides{MonitoringInterval: 20 * time.Millisecond},
	})
	enqueueN(t, store, s.SessionID(), 6)
	ctx := context.Background()
	if _, err := s.Analyze(ctx, crudEndpoints()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	factory := func(context.Context) (engine.Processor, error) {
		return engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
			return "", engine.Permanent(errors.New("schema mismatch"))
		}), nil
	}
	if err := s.Start(ctx, factory, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	r := s.GenerateReport()
	if r.Completed != 0 || r.Failed != 6 {
		t.Fatalf("report completed/failed = %d/%d, want 0/6", r.Completed, r.Failed)
	}
}

// holdingStore parks the first worker that claims a task until release is
// closed, leaving the task in_progress in the store while the pool sees an
// empty queue and no active workers.
type holdingStore struct {
	*persistence.Store
	claimed     chan struct{}
	release     chan struct{}
	claimedOnce sync.Once
}

func (h *holdingStore) DequeueWait(ctx context.Context, sessionFilter string, timeout time.Duration) (*persistence.Task, error) {
	task, err := h.Store.DequeueWait(ctx, sessionFilter, timeout)
	if err != nil || task == nil {
		return task, err
	}
	h.claimedOnce.Do(func() { close(h.claimed) })
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return task, nil
}

func TestScheduler_NotDrainedWhileClaimedTaskUnstarted(t *testing.T) {
	store := openStore(t)
	held := &holdingStore{Store: store, claimed: make(chan struct{}), release: make(chan struct{})}
	var processed atomic.Int64
	s, err := scheduler.New(scheduler.Config{
		Store:          held,
		Mode:           progressive.ModeFast,
		SessionID:      "run-held",
		DequeueTimeout: 20 * time.Millisecond,
		Overrides: scheduler.Overrides{
			InitialWorkers:     1,
			MonitoringInterval: 10 * time.Millisecond,
			Cooldown:           -1,
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	enqueueN(t, store, s.SessionID(), 1)
	ctx := context.Background()
	if _, err := s.Analyze(ctx, crudEndpoints()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if err := s.Start(ctx, okFactory(&processed), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(time.Second)

	select {
	case <-held.claimed:
	case <-time.After(5 * time.Second):
		t.Fatal("task was never claimed")
	}
	// Let the 10ms monitoring loop run several drain checks.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-s.Drained():
		t.Fatal("scheduler reported drained while a claimed task was unfinished")
	default:
	}

	close(held.release)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if processed.Load() != 1 {
		t.Fatalf("processed = %d, want 1", processed.Load())
	}
}

func TestScheduler_ReportIncludesEarlierSessionFailures(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	s := newScheduler(t, store, scheduler.Config{
		Mode:      progressive.ModeFast,
		SessionID: "run-resumed",
		Overrides: scheduler.Overrides{MonitoringInterval: 20 * time.Millisecond, Cooldown: -1},
	})

	// A previous run left one permanent failure behind.
	enqueueN(t, store, s.SessionID(), 1)
	prior, err := store.Dequeue(ctx, s.SessionID())
	if err != nil || prior == nil {
		t.Fatalf("dequeue prior: %v %v", prior, err)
	}
	if err := store.Fail(ctx, prior.ID, "earlier run", true); err != nil {
		t.Fatalf("fail prior: %v", err)
	}

	enqueueN(t, store, s.SessionID(), 3)
	if _, err := s.Analyze(ctx, crudEndpoints()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var processed atomic.Int64
	if err := s.Start(ctx, okFactory(&processed), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	r := s.GenerateReport()
	if r.Completed != 3 || r.Failed != 1 {
		t.Fatalf("report completed/failed = %d/%d, want 3/1", r.Completed, r.Failed)
	}
	if r.Processed != 3 {
		t.Fatalf("processed this run = %d, want 3", r.Processed)
	}
}
