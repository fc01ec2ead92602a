package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/engine"
	"github.com/basket/apiforge/internal/persistence"
)

func openStoreForEngineTest(t *testing.T) *persistence.Store {
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

func newPool(t *testing.T, cfg engine.PoolConfig) *engine.Pool {
	t.Helper()
	if cfg.DequeueTimeout == 0 {
		cfg.DequeueTimeout = 50 * time.Millisecond
	}
	pool, err := engine.NewPool(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { pool.Shutdown(2 * time.Second) })
	return pool
}

func enqueue(t *testing.T, store *persistence.Store, nt persistence.NewTask) *persistence.Task {
	t.Helper()
	if nt.SessionID == "" {
		nt.SessionID = "s1"
	}
	task, err := store.Enqueue(context.Background(), nt)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func waitForTaskStatus(t *testing.T, store *persistence.Store, taskID string, want persistence.TaskStatus, timeout time.Duration) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("timed out waiting for task %s status %s, got %#v", taskID, want, task)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type countingProcessor struct {
	sleep       time.Duration
	active      atomic.Int32
	maxObserved atomic.Int32
}

func (p *countingProcessor) Process(ctx context.Context, task persistence.Task) (string, error) {
	cur := p.active.Add(1)
	defer p.active.Add(-1)

	for {
		prev := p.maxObserved.Load()
		if cur <= prev || p.maxObserved.CompareAndSwap(prev, cur) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(p.sleep):
		return `{"status":"ok"}`, nil
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	store := openStoreForEngineTest(t)
	for i := 0; i < 16; i++ {
		enqueue(t, store, persistence.NewTask{ID: fmt.Sprintf("t-%02d", i)})
	}
	proc := &countingProcessor{sleep: 20 * time.Millisecond}
	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	if err := pool.Start(context.Background(), 4); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, "all tasks completed", func() bool {
		p, _ := store.Progress(context.Background(), "s1")
		return p.Completed == 16
	})
	if got := proc.maxObserved.Load(); got > 4 {
		t.Fatalf("observed %d concurrent tasks with 4 workers", got)
	}
	res := pool.Shutdown(time.Second)
	if res.Processed != 16 || res.Failed != 0 || res.TimedOut {
		t.Fatalf("shutdown result = %+v", res)
	}
}

func TestPool_TransientFailuresExhaustBudget(t *testing.T) {
	store := openStoreForEngineTest(t)
	var attempts atomic.Int32
	proc := engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
		attempts.Add(1)
		return "", engine.Transient(errors.New("connection reset by peer"), 0)
	})
	enqueue(t, store, persistence.NewTask{ID: "flaky", MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := waitForTaskStatus(t, store, "flaky", persistence.TaskStatusFailed, 5*time.Second)
	if got := attempts.Load(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
	if task.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", task.RetryCount)
	}
	if !strings.Contains(task.LastError, "connection reset") {
		t.Fatalf("last error not retained: %q", task.LastError)
	}
	errs, err := store.TaskErrors(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("task errors: %v", err)
	}
	if len(errs) != 4 {
		t.Fatalf("error log has %d rows, want 4", len(errs))
	}
}

func TestPool_PermanentFailureIsImmediate(t *testing.T) {
	store := openStoreForEngineTest(t)
	var attempts atomic.Int32
	proc := engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
		attempts.Add(1)
		return "", engine.Permanentf("endpoint %s returned 404", task.ID)
	})
	enqueue(t, store, persistence.NewTask{ID: "gone", MaxRetries: 3, RetryBaseDelay: time.Millisecond})

	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	if err := pool.Start(context.Background(), 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := waitForTaskStatus(t, store, "gone", persistence.TaskStatusFailed, 5*time.Second)
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if task.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0", task.RetryCount)
	}
	errs, _ := store.TaskErrors(context.Background(), "gone")
	if len(errs) != 1 || !errs[0].Permanent {
		t.Fatalf("error log = %+v, want one permanent row", errs)
	}
}

func TestPool_UnclassifiedErrorIsRetried(t *testing.T) {
	store := openStoreForEngineTest(t)
	var attempts atomic.Int32
	proc := engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
		if attempts.Add(1) == 1 {
			return "", errors.New("unexpected EOF")
		}
		return "ok", nil
	})
	enqueue(t, store, persistence.NewTask{ID: "once", RetryBaseDelay: time.Millisecond})

	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := waitForTaskStatus(t, store, "once", persistence.TaskStatusCompleted, 5*time.Second)
	if task.RetryCount != 1 || task.Result != "ok" {
		t.Fatalf("task = %+v", task)
	}
	if task.Priority != persistence.PriorityLow {
		t.Fatalf("priority after one retry = %v, want low", task.Priority)
	}
}

func TestPool_RetryAfterOverridesBackoff(t *testing.T) {
	store := openStoreForEngineTest(t)
	proc := engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
		return "", engine.Transient(errors.New("429 too many requests"), time.Hour)
	})
	enqueue(t, store, persistence.NewTask{ID: "limited", RetryBaseDelay: time.Millisecond})

	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	before := time.Now()
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := waitForTaskStatus(t, store, "limited", persistence.TaskStatusRetrying, 5*time.Second)
	if task.ScheduledAt.Before(before.Add(50 * time.Minute)) {
		t.Fatalf("scheduled_at %v ignores retry-after", task.ScheduledAt)
	}
}

func TestPool_TaskTimeoutIsTransient(t *testing.T) {
	store := openStoreForEngineTest(t)
	proc := engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	enqueue(t, store, persistence.NewTask{ID: "slow", MaxRetries: -1})

	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc, TaskTimeout: 20 * time.Millisecond})
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := waitForTaskStatus(t, store, "slow", persistence.TaskStatusFailed, 5*time.Second)
	if !strings.Contains(task.LastError, "timeout") {
		t.Fatalf("last error = %q, want timeout", task.LastError)
	}
}

func TestPool_PanicBecomesPermanentFailure(t *testing.T) {
	store := openStoreForEngineTest(t)
	proc := engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
		panic("boom")
	})
	enqueue(t, store, persistence.NewTask{ID: "panics"})

	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := waitForTaskStatus(t, store, "panics", persistence.TaskStatusFailed, 5*time.Second)
	if !strings.Contains(task.LastError, "processor panic") {
		t.Fatalf("last error = %q", task.LastError)
	}
}

func TestPool_RegistryRoutesByName(t *testing.T) {
	store := openStoreForEngineTest(t)
	reg := engine.NewRegistry()
	reg.MustRegister(engine.TaskDefinition{
		Name:     "generate",
		Priority: persistence.PriorityHigh,
		Handler: engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
			return "generated:" + task.Payload, nil
		}),
	})
	if _, err := reg.Enqueue(context.Background(), store, "generate", "s1", "users"); err != nil {
		t.Fatalf("registry enqueue: %v", err)
	}
	enqueue(t, store, persistence.NewTask{ID: "plain", Payload: "x"})

	fallback := engine.ProcessorFunc(func(ctx context.Context, task persistence.Task) (string, error) {
		return "default", nil
	})
	pool := newPool(t, engine.PoolConfig{Store: store, Processor: fallback, Registry: reg})
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	plain := waitForTaskStatus(t, store, "plain", persistence.TaskStatusCompleted, 5*time.Second)
	if plain.Result != "default" {
		t.Fatalf("plain result = %q", plain.Result)
	}
	tasks, err := store.ListTasks(context.Background(), persistence.TaskFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, task := range tasks {
		if task.Name == "generate" {
			done := waitForTaskStatus(t, store, task.ID, persistence.TaskStatusCompleted, 5*time.Second)
			if done.Result != "generated:users" {
				t.Fatalf("named result = %q", done.Result)
			}
			return
		}
	}
	t.Fatal("named task not found")
}

// blockingProcessor holds every task until release is closed.
type blockingProcessor struct {
	started atomic.Int32
	release chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context, task persistence.Task) (string, error) {
	p.started.Add(1)
	select {
	case <-p.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestPool_ScaleDownIsGraceful(t *testing.T) {
	store := openStoreForEngineTest(t)
	for i := 0; i < 3; i++ {
		enqueue(t, store, persistence.NewTask{ID: fmt.Sprintf("busy-%d", i)})
	}
	proc := &blockingProcessor{release: make(chan struct{})}
	b := bus.New()
	sub := b.Subscribe(bus.TopicPoolScaled)
	defer b.Unsubscribe(sub)

	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc, Bus: b})
	if err := pool.Start(context.Background(), 3); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, "three busy workers", func() bool { return pool.Active() == 3 })

	if err := pool.ScaleTo(1); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if got := pool.Size(); got != 1 {
		t.Fatalf("size after scale down = %d, want 1", got)
	}
	if got := pool.Active(); got != 3 {
		t.Fatalf("in-flight tasks abandoned: active = %d", got)
	}
	select {
	case ev := <-sub.Ch():
		scaled, ok := ev.Payload.(bus.PoolScaledEvent)
		if !ok || scaled.From != 3 || scaled.To != 1 {
			t.Fatalf("scale event = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no pool.scaled event")
	}

	close(proc.release)
	for i := 0; i < 3; i++ {
		waitForTaskStatus(t, store, fmt.Sprintf("busy-%d", i), persistence.TaskStatusCompleted, 5*time.Second)
	}
	waitFor(t, 5*time.Second, "retired workers exit", func() bool {
		return len(pool.Snapshot(context.Background()).PerWorker) == 1
	})
}

func TestPool_ScaleUpAddsWorkers(t *testing.T) {
	store := openStoreForEngineTest(t)
	pool := newPool(t, engine.PoolConfig{Store: store, Processor: &countingProcessor{}})
	if err := pool.ScaleTo(2); !errors.Is(err, engine.ErrPoolNotStarted) {
		t.Fatalf("scale before start err = %v", err)
	}
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pool.ScaleTo(4); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if got := pool.Size(); got != 4 {
		t.Fatalf("size = %d, want 4", got)
	}
	if err := pool.ScaleTo(-1); err == nil {
		t.Fatal("expected error for negative size")
	}
}

func TestPool_ShutdownForceCancelsAndReleases(t *testing.T) {
	store := openStoreForEngineTest(t)
	enqueue(t, store, persistence.NewTask{ID: "stuck", MaxRetries: 1})
	proc := &blockingProcessor{release: make(chan struct{})}
	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, "task started", func() bool { return proc.started.Load() == 1 })

	res := pool.Shutdown(50 * time.Millisecond)
	if !res.TimedOut || res.Cancelled != 1 || res.Processed != 0 {
		t.Fatalf("shutdown result = %+v", res)
	}
	task, err := store.GetTask(context.Background(), "stuck")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusRetrying || task.RetryCount != 0 {
		t.Fatalf("cancelled task = %+v, want retrying with budget intact", task)
	}
	if err := pool.ScaleTo(2); !errors.Is(err, engine.ErrPoolStopped) {
		t.Fatalf("scale after shutdown err = %v", err)
	}
}

// finishOnCancel returns a successful result once its context ends.
type finishOnCancel struct {
	started atomic.Int32
}

func (p *finishOnCancel) Process(ctx context.Context, task persistence.Task) (string, error) {
	p.started.Add(1)
	<-ctx.Done()
	return "finished", nil
}

func TestPool_ShutdownKeepsResultReturnedAfterCancel(t *testing.T) {
	store := openStoreForEngineTest(t)
	enqueue(t, store, persistence.NewTask{ID: "late"})
	proc := &finishOnCancel{}
	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc, TaskTimeout: time.Minute})
	if err := pool.Start(context.Background(), 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, "task started", func() bool { return proc.started.Load() == 1 })

	res := pool.Shutdown(50 * time.Millisecond)
	if !res.TimedOut || res.Processed != 1 || res.Cancelled != 0 {
		t.Fatalf("shutdown result = %+v", res)
	}
	task, err := store.GetTask(context.Background(), "late")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusCompleted || task.Result != "finished" {
		t.Fatalf("task = %s %q, want completed with its result", task.Status, task.Result)
	}
}

func TestPool_ParentCancelDrainsInFlight(t *testing.T) {
	store := openStoreForEngineTest(t)
	enqueue(t, store, persistence.NewTask{ID: "in-flight"})
	proc := &blockingProcessor{release: make(chan struct{})}
	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, "task started", func() bool { return proc.started.Load() == 1 })
	cancel()
	close(proc.release)

	res := pool.Shutdown(5 * time.Second)
	if res.TimedOut || res.Processed != 1 {
		t.Fatalf("shutdown result = %+v", res)
	}
}

func TestPool_Snapshot(t *testing.T) {
	store := openStoreForEngineTest(t)
	enqueue(t, store, persistence.NewTask{ID: "held"})
	enqueue(t, store, persistence.NewTask{ID: "later", ScheduledAt: time.Now().Add(time.Hour)})
	proc := &blockingProcessor{release: make(chan struct{})}
	pool := newPool(t, engine.PoolConfig{Store: store, Processor: proc})
	if err := pool.Start(context.Background(), 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, "task started", func() bool { return proc.started.Load() == 1 })

	m := pool.Snapshot(context.Background())
	if m.Workers != 2 || m.ActiveWorkers != 1 {
		t.Fatalf("snapshot workers = %d active = %d", m.Workers, m.ActiveWorkers)
	}
	if m.Utilization != 0.5 {
		t.Fatalf("utilization = %v, want 0.5", m.Utilization)
	}
	if m.QueueSize != 1 || m.PendingTasks != 0 {
		t.Fatalf("queue size = %d pending = %d", m.QueueSize, m.PendingTasks)
	}
	busy := 0
	for _, w := range m.PerWorker {
		if w.Status == "busy" && w.CurrentTask == "held" {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("per-worker = %+v", m.PerWorker)
	}
	close(proc.release)
}
