package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/persistence"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, opts ...persistence.Option) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "apiforge.db")
	store, err := persistence.Open(dbPath, nil, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func mustEnqueue(t *testing.T, store *persistence.Store, nt persistence.NewTask) *persistence.Task {
	t.Helper()
	if nt.SessionID == "" {
		nt.SessionID = "s1"
	}
	task, err := store.Enqueue(context.Background(), nt)
	if err != nil {
		t.Fatalf("enqueue %q: %v", nt.ID, err)
	}
	return task
}

func mustDequeue(t *testing.T, store *persistence.Store) *persistence.Task {
	t.Helper()
	task, err := store.Dequeue(context.Background(), "")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task == nil {
		t.Fatal("dequeue returned no task")
	}
	return task
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"schema_migrations", "sessions", "progress", "tasks", "task_queue", "task_events", "task_errors"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
	v, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 1 {
		t.Fatalf("schema version = %d, want 1", v)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	mustEnqueue(t, store, persistence.NewTask{ID: "keep"})
	_ = store.Close()

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetTask(context.Background(), "keep"); err != nil {
		t.Fatalf("task lost across reopen: %v", err)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "apiforge.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed schema_migrations: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_EnqueueDuplicate(t *testing.T) {
	store, _ := openTestStore(t)
	mustEnqueue(t, store, persistence.NewTask{ID: "dup"})

	_, err := store.Enqueue(context.Background(), persistence.NewTask{ID: "dup", SessionID: "s1"})
	if !errors.Is(err, persistence.ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	p, err := store.Progress(context.Background(), "s1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 1 || p.Pending != 1 {
		t.Fatalf("duplicate changed counters: %+v", p)
	}
}

func TestStore_EnqueueBatchIsAtomic(t *testing.T) {
	store, _ := openTestStore(t)
	mustEnqueue(t, store, persistence.NewTask{ID: "b"})

	_, err := store.EnqueueBatch(context.Background(), []persistence.NewTask{
		{ID: "a", SessionID: "s1"},
		{ID: "b", SessionID: "s1"},
	})
	if !errors.Is(err, persistence.ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	if _, err := store.GetTask(context.Background(), "a"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("task a should have been rolled back, got %v", err)
	}
}

func TestStore_EnqueueMissingSkipsExisting(t *testing.T) {
	store, _ := openTestStore(t)
	mustEnqueue(t, store, persistence.NewTask{ID: "b"})

	queued, skipped, err := store.EnqueueMissing(context.Background(), []persistence.NewTask{
		{ID: "a", SessionID: "s1"},
		{ID: "b", SessionID: "s1"},
		{ID: "c", SessionID: "s1"},
	})
	if err != nil {
		t.Fatalf("enqueue missing: %v", err)
	}
	if len(queued) != 2 || skipped != 1 {
		t.Fatalf("queued %d skipped %d, want 2 and 1", len(queued), skipped)
	}
	if queued[0].ID != "a" || queued[1].ID != "c" {
		t.Fatalf("queued ids = %s, %s", queued[0].ID, queued[1].ID)
	}
	p, err := store.Progress(context.Background(), "s1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 3 || p.Pending != 3 {
		t.Fatalf("counters = %+v, want total 3 pending 3", p)
	}

	queued, skipped, err = store.EnqueueMissing(context.Background(), []persistence.NewTask{{ID: "a", SessionID: "s1"}})
	if err != nil || len(queued) != 0 || skipped != 1 {
		t.Fatalf("second pass = %d queued, %d skipped, %v", len(queued), skipped, err)
	}
}

func TestStore_EnqueueDefaults(t *testing.T) {
	store, _ := openTestStore(t)
	task := mustEnqueue(t, store, persistence.NewTask{Payload: `{"path":"/users"}`})
	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	if task.Priority != persistence.PriorityNormal {
		t.Fatalf("priority = %v, want normal", task.Priority)
	}
	if task.MaxRetries != persistence.DefaultMaxRetries {
		t.Fatalf("max retries = %d, want %d", task.MaxRetries, persistence.DefaultMaxRetries)
	}
	if task.RetryBaseDelay != persistence.DefaultRetryBaseDelay {
		t.Fatalf("retry base delay = %v, want %v", task.RetryBaseDelay, persistence.DefaultRetryBaseDelay)
	}

	noRetry := mustEnqueue(t, store, persistence.NewTask{MaxRetries: -1})
	if noRetry.MaxRetries != 0 {
		t.Fatalf("negative MaxRetries should disable retries, got %d", noRetry.MaxRetries)
	}
}

func TestStore_DequeueAtMostOnce(t *testing.T) {
	store, _ := openTestStore(t)
	mustEnqueue(t, store, persistence.NewTask{ID: "only"})

	const callers = 16
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			task, err := store.Dequeue(context.Background(), "")
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			if task != nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want exactly 1", got)
	}
}

func TestStore_PriorityOrderingCriticalFirstFIFO(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))

	// 100 normal tasks with 5 critical ones interleaved.
	var critical []string
	for i := 0; i < 100; i++ {
		if i%20 == 7 {
			id := fmt.Sprintf("crit-%d", len(critical))
			mustEnqueue(t, store, persistence.NewTask{ID: id, Priority: persistence.PriorityCritical})
			critical = append(critical, id)
			clock.Advance(time.Millisecond)
		}
		mustEnqueue(t, store, persistence.NewTask{ID: fmt.Sprintf("norm-%d", i)})
		clock.Advance(time.Millisecond)
	}
	if len(critical) != 5 {
		t.Fatalf("setup produced %d critical tasks", len(critical))
	}

	for i, want := range critical {
		got := mustDequeue(t, store)
		if got.ID != want {
			t.Fatalf("dequeue %d = %s, want %s", i, got.ID, want)
		}
	}
	if next := mustDequeue(t, store); next.ID != "norm-0" {
		t.Fatalf("first normal dequeue = %s, want norm-0", next.ID)
	}
}

func TestStore_DequeueMarksInProgressAndCounts(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	mustEnqueue(t, store, persistence.NewTask{ID: "t1"})

	task := mustDequeue(t, store)
	if task.Status != persistence.TaskStatusInProgress {
		t.Fatalf("status = %s, want in_progress", task.Status)
	}
	if task.StartedAt == nil || !task.StartedAt.Equal(clock.Now()) {
		t.Fatalf("started_at = %v, want %v", task.StartedAt, clock.Now())
	}
	p, _ := store.Progress(context.Background(), "s1")
	if p.Pending != 0 || p.Processing != 1 {
		t.Fatalf("progress after dequeue = %+v", p)
	}
	if again, _ := store.Dequeue(context.Background(), ""); again != nil {
		t.Fatalf("second dequeue returned %s", again.ID)
	}
}

func TestStore_DequeueSessionFilter(t *testing.T) {
	store, _ := openTestStore(t)
	mustEnqueue(t, store, persistence.NewTask{ID: "a", SessionID: "alpha", Priority: persistence.PriorityCritical})
	mustEnqueue(t, store, persistence.NewTask{ID: "b", SessionID: "beta"})

	task, err := store.Dequeue(context.Background(), "beta")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task == nil || task.ID != "b" {
		t.Fatalf("filtered dequeue = %+v, want b", task)
	}
}

func TestStore_RequeueDelaysAndDemotes(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "flaky", Priority: persistence.PriorityHigh})
	mustDequeue(t, store)

	task, err := store.Requeue(ctx, "flaky", 10*time.Second, "HTTP 503")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if task.Status != persistence.TaskStatusRetrying {
		t.Fatalf("status = %s, want retrying", task.Status)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", task.RetryCount)
	}
	if task.Priority != persistence.PriorityNormal {
		t.Fatalf("priority = %v, want normal (demoted from high)", task.Priority)
	}

	if early, _ := store.Dequeue(ctx, ""); early != nil {
		t.Fatalf("task dequeued before scheduled_at")
	}
	clock.Advance(9 * time.Second)
	if early, _ := store.Dequeue(ctx, ""); early != nil {
		t.Fatalf("task dequeued 1s before scheduled_at")
	}
	clock.Advance(time.Second)
	again := mustDequeue(t, store)
	if again.ID != "flaky" || again.LastError != "HTTP 503" {
		t.Fatalf("unexpected retried task: %+v", again)
	}

	errs, err := store.TaskErrors(ctx, "flaky")
	if err != nil {
		t.Fatalf("task errors: %v", err)
	}
	if len(errs) != 1 || errs[0].Attempt != 1 || errs[0].Permanent {
		t.Fatalf("task errors = %+v", errs)
	}
}

func TestStore_RequeueDemotionSaturatesAtDeferred(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "x", Priority: persistence.PriorityLow, MaxRetries: 5})
	for i := 0; i < 3; i++ {
		mustDequeue(t, store)
		task, err := store.Requeue(ctx, "x", 0, "boom")
		if err != nil {
			t.Fatalf("requeue %d: %v", i, err)
		}
		if task.Priority != persistence.PriorityDeferred {
			t.Fatalf("requeue %d priority = %v, want deferred", i, task.Priority)
		}
	}
}

func TestStore_FreshWorkBeatsRetriedWork(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "failing"})
	mustDequeue(t, store)
	if _, err := store.Requeue(ctx, "failing", 0, "timeout"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	mustEnqueue(t, store, persistence.NewTask{ID: "fresh"})

	if got := mustDequeue(t, store); got.ID != "fresh" {
		t.Fatalf("dequeue = %s, want fresh before demoted retry", got.ID)
	}
}

func TestStore_RequeueBudgetExhausted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "t", MaxRetries: 1})
	mustDequeue(t, store)
	if _, err := store.Requeue(ctx, "t", 0, "e1"); err != nil {
		t.Fatalf("first requeue: %v", err)
	}
	mustDequeue(t, store)
	_, err := store.Requeue(ctx, "t", 0, "e2")
	if !errors.Is(err, persistence.ErrRetryBudgetExhausted) {
		t.Fatalf("expected ErrRetryBudgetExhausted, got %v", err)
	}
	task, _ := store.GetTask(ctx, "t")
	if task.Status != persistence.TaskStatusInProgress || task.RetryCount != 1 {
		t.Fatalf("exhausted requeue mutated task: %+v", task)
	}
}

func TestStore_CompleteAndFail(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "ok"})
	mustEnqueue(t, store, persistence.NewTask{ID: "bad"})

	mustDequeue(t, store)
	mustDequeue(t, store)
	clock.Advance(1500 * time.Millisecond)

	if err := store.Complete(ctx, "ok", `{"tests":4}`); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Fail(ctx, "bad", "schema rejected", true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	ok, _ := store.GetTask(ctx, "ok")
	if ok.Status != persistence.TaskStatusCompleted || ok.Result != `{"tests":4}` {
		t.Fatalf("completed task = %+v", ok)
	}
	if ok.Duration != 1500*time.Millisecond {
		t.Fatalf("duration = %v, want 1.5s", ok.Duration)
	}
	bad, _ := store.GetTask(ctx, "bad")
	if bad.Status != persistence.TaskStatusFailed || bad.LastError != "schema rejected" || bad.ErrorCount != 1 {
		t.Fatalf("failed task = %+v", bad)
	}
	errs, _ := store.TaskErrors(ctx, "bad")
	if len(errs) != 1 || !errs[0].Permanent {
		t.Fatalf("task errors = %+v", errs)
	}

	p, _ := store.Progress(ctx, "s1")
	if p.Total != 2 || p.Pending != 0 || p.Processing != 0 || p.Completed != 1 || p.Failed != 1 {
		t.Fatalf("progress = %+v", p)
	}
	if !p.Done() {
		t.Fatal("expected progress to report done")
	}
}

func TestStore_TerminalStatusesNeverMutate(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "t"})
	mustDequeue(t, store)
	if err := store.Complete(ctx, "t", "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	checks := map[string]error{
		"complete": store.Complete(ctx, "t", "again"),
		"fail":     store.Fail(ctx, "t", "late", false),
		"cancel":   store.Cancel(ctx, "t"),
	}
	if _, err := store.Requeue(ctx, "t", 0, "late"); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("requeue after complete: %v", err)
	}
	for name, err := range checks {
		if !errors.Is(err, persistence.ErrInvalidTransition) {
			t.Fatalf("%s after complete: expected ErrInvalidTransition, got %v", name, err)
		}
	}
	task, _ := store.GetTask(ctx, "t")
	if task.Status != persistence.TaskStatusCompleted || task.Result != "done" {
		t.Fatalf("terminal task mutated: %+v", task)
	}
}

func TestStore_CancelOnlyFromQueuedStates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "queued"})
	mustEnqueue(t, store, persistence.NewTask{ID: "running", Priority: persistence.PriorityCritical})
	mustEnqueue(t, store, persistence.NewTask{ID: "retrying", Priority: persistence.PriorityCritical})

	mustDequeue(t, store) // running
	mustDequeue(t, store) // retrying
	if _, err := store.Requeue(ctx, "retrying", time.Hour, "429"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if err := store.Cancel(ctx, "running"); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("cancel in_progress: expected ErrInvalidTransition, got %v", err)
	}
	for _, id := range []string{"queued", "retrying"} {
		if err := store.Cancel(ctx, id); err != nil {
			t.Fatalf("cancel %s: %v", id, err)
		}
		task, _ := store.GetTask(ctx, id)
		if task.Status != persistence.TaskStatusCancelled {
			t.Fatalf("%s status = %s, want cancelled", id, task.Status)
		}
	}
	if err := store.Cancel(ctx, "missing"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("cancel missing: expected ErrTaskNotFound, got %v", err)
	}
	depth, _ := store.QueueDepth(ctx)
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
	p, _ := store.Progress(ctx, "s1")
	if p.Pending != 0 || p.Processing != 1 || p.Cancelled != 2 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestStore_PeekDoesNotMutate(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "low", Priority: persistence.PriorityLow})
	mustEnqueue(t, store, persistence.NewTask{ID: "high", Priority: persistence.PriorityHigh})

	tasks, err := store.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "high" || tasks[1].ID != "low" {
		t.Fatalf("peek order = %+v", tasks)
	}
	for _, id := range []string{"low", "high"} {
		task, _ := store.GetTask(ctx, id)
		if task.Status != persistence.TaskStatusPending {
			t.Fatalf("peek mutated %s to %s", id, task.Status)
		}
	}
}

func TestStore_Stats(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "c1", Priority: persistence.PriorityCritical})
	mustEnqueue(t, store, persistence.NewTask{ID: "n1"})
	mustEnqueue(t, store, persistence.NewTask{ID: "n2", ScheduledAt: clock.Now().Add(time.Minute)})
	clock.Advance(4 * time.Second)

	stats, err := store.Stats(ctx, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Delayed != 1 || stats.Ready != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByPriority[persistence.PriorityCritical].Count != 1 || stats.ByPriority[persistence.PriorityNormal].Count != 2 {
		t.Fatalf("tier counts = %+v", stats.ByPriority)
	}
	if stats.AverageWait != 4*time.Second {
		t.Fatalf("average wait = %v, want 4s", stats.AverageWait)
	}
	tier := stats.ByPriority[persistence.PriorityNormal]
	if !tier.Newest.After(tier.Oldest) {
		t.Fatalf("tier oldest/newest = %v/%v", tier.Oldest, tier.Newest)
	}
}

func TestStore_DequeueWaitWakesOnEnqueue(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	got := make(chan *persistence.Task, 1)
	go func() {
		task, err := store.DequeueWait(ctx, "", 5*time.Second)
		if err != nil {
			t.Errorf("dequeue wait: %v", err)
		}
		got <- task
	}()

	time.Sleep(50 * time.Millisecond)
	mustEnqueue(t, store, persistence.NewTask{ID: "late"})

	select {
	case task := <-got:
		if task == nil || task.ID != "late" {
			t.Fatalf("DequeueWait = %+v, want late", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DequeueWait did not wake on enqueue")
	}
}

func TestStore_DequeueWaitTimesOut(t *testing.T) {
	store, _ := openTestStore(t)
	start := time.Now()
	task, err := store.DequeueWait(context.Background(), "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue wait: %v", err)
	}
	if task != nil {
		t.Fatalf("unexpected task %s", task.ID)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, before timeout", elapsed)
	}
}

func TestStore_RecoverInProgress(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "orphan"})
	mustDequeue(t, store)

	n, err := store.RecoverInProgress(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	task, _ := store.GetTask(ctx, "orphan")
	if task.Status != persistence.TaskStatusRetrying || task.RetryCount != 0 {
		t.Fatalf("recovered task = %+v", task)
	}
	if again := mustDequeue(t, store); again.ID != "orphan" {
		t.Fatalf("dequeue after recovery = %s", again.ID)
	}
	p, _ := store.Progress(ctx, "s1")
	if p.Pending != 0 || p.Processing != 1 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestStore_RecoverStaleOnlyTouchesOldTasks(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "stuck", Priority: persistence.PriorityHigh})
	mustEnqueue(t, store, persistence.NewTask{ID: "fresh"})
	mustDequeue(t, store)
	clock.Advance(10 * time.Minute)
	mustDequeue(t, store)

	if _, err := store.RecoverStale(ctx, 0); err == nil {
		t.Fatal("expected error for non-positive threshold")
	}
	n, err := store.RecoverStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("recover stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	stuck, _ := store.GetTask(ctx, "stuck")
	fresh, _ := store.GetTask(ctx, "fresh")
	if stuck.Status != persistence.TaskStatusRetrying || fresh.Status != persistence.TaskStatusInProgress {
		t.Fatalf("statuses = %s/%s", stuck.Status, fresh.Status)
	}
}

func TestStore_ReleaseKeepsRetryBudget(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "interrupted", Priority: persistence.PriorityHigh})
	mustDequeue(t, store)

	if err := store.Release(ctx, "interrupted", "worker stopped"); err != nil {
		t.Fatalf("release: %v", err)
	}
	task, _ := store.GetTask(ctx, "interrupted")
	if task.Status != persistence.TaskStatusRetrying {
		t.Fatalf("status = %s, want retrying", task.Status)
	}
	if task.RetryCount != 0 || task.Priority != persistence.PriorityHigh {
		t.Fatalf("release consumed budget or demoted: %+v", task)
	}
	if err := store.Release(ctx, "interrupted", "again"); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("second release err = %v, want ErrInvalidTransition", err)
	}
	if again := mustDequeue(t, store); again.ID != "interrupted" {
		t.Fatalf("dequeue after release = %s", again.ID)
	}
}

func TestStore_PurgeTerminal(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "old"})
	mustEnqueue(t, store, persistence.NewTask{ID: "queued"})
	mustDequeue(t, store)
	if err := store.Complete(ctx, "old", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	clock.Advance(48 * time.Hour)

	n, err := store.PurgeTerminal(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := store.GetTask(ctx, "old"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("old task still present: %v", err)
	}
	if _, err := store.GetTask(ctx, "queued"); err != nil {
		t.Fatalf("queued task purged: %v", err)
	}
	events, _ := store.TaskEvents(ctx, "old")
	if len(events) != 0 {
		t.Fatalf("events of purged task survived: %d", len(events))
	}
}

func TestStore_TaskEventsLogTransitions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, persistence.NewTask{ID: "t"})
	mustDequeue(t, store)
	if _, err := store.Requeue(ctx, "t", 0, "reset"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	mustDequeue(t, store)
	if err := store.Complete(ctx, "t", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := store.TaskEvents(ctx, "t")
	if err != nil {
		t.Fatalf("task events: %v", err)
	}
	want := []string{"pending", "in_progress", "retrying", "in_progress", "completed"}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.StateTo != want[i] {
			t.Fatalf("event %d state_to = %s, want %s", i, ev.StateTo, want[i])
		}
	}
}

func TestStore_PublishesStateChanges(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "apiforge.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	mustEnqueue(t, store, persistence.NewTask{ID: "t"})
	mustDequeue(t, store)
	if err := store.Complete(context.Background(), "t", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for !seen[bus.TopicTaskCompleted] {
		select {
		case ev := <-sub.Ch():
			seen[ev.Topic] = true
		case <-timeout:
			t.Fatalf("missing completion event, saw %v", seen)
		}
	}
	if !seen[bus.TopicTaskEnqueued] || !seen[bus.TopicTaskStateChanged] {
		t.Fatalf("expected enqueue and state change events, saw %v", seen)
	}
}

func TestStore_Sessions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, persistence.SessionConfig{
		ID:     "run-1",
		Config: map[string]any{"mode": "auto"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Status != persistence.SessionActive || string(sess.Config) != `{"mode":"auto"}` {
		t.Fatalf("session = %+v", sess)
	}
	if err := store.SetSessionStatus(ctx, "run-1", persistence.SessionCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := store.SetSessionStatus(ctx, "nope", persistence.SessionCompleted); !errors.Is(err, persistence.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	mustEnqueue(t, store, persistence.NewTask{SessionID: "run-2"})

	list, err := store.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	counts, err := store.StatusCounts(ctx, "run-2")
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if counts[persistence.TaskStatusPending] != 1 {
		t.Fatalf("status counts = %v", counts)
	}
}
