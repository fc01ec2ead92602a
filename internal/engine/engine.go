package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/basket/apiforge/internal/bus"
	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/shared"
)

var (
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStopped    = errors.New("worker pool stopped")
	ErrPoolStarted    = errors.New("worker pool already started")
)

// storeOpTimeout bounds the store call that reports a task outcome. It runs
// detached from the task context so a cancelled task can still be recorded.
const storeOpTimeout = 30 * time.Second

// TaskQueue is the slice of the store the pool drives.
type TaskQueue interface {
	DequeueWait(ctx context.Context, sessionFilter string, timeout time.Duration) (*persistence.Task, error)
	Complete(ctx context.Context, taskID, result string) error
	Fail(ctx context.Context, taskID, errMsg string, permanent bool) error
	Requeue(ctx context.Context, taskID string, delay time.Duration, errMsg string) (*persistence.Task, error)
	Release(ctx context.Context, taskID, reason string) error
	Stats(ctx context.Context, sessionFilter string) (persistence.QueueStats, error)
}

type PoolConfig struct {
	Store     TaskQueue
	Processor Processor // default for tasks without a registered definition
	Registry  *Registry
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otelPkg.Metrics
	Tracer    trace.Tracer
	// SessionID restricts workers to one session when set.
	SessionID      string
	DequeueTimeout time.Duration
	TaskTimeout    time.Duration
}

// WorkerStats describes one worker at snapshot time.
type WorkerStats struct {
	ID             int           `json:"id"`
	Status         string        `json:"status"`
	CurrentTask    string        `json:"current_task,omitempty"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	AvgDuration    time.Duration `json:"avg_duration"`
}

// WorkerMetrics is the pool-wide snapshot fed to the schedulers each tick.
type WorkerMetrics struct {
	At             time.Time     `json:"at"`
	Workers        int           `json:"workers"`
	ActiveWorkers  int           `json:"active_workers"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksRetried   int64         `json:"tasks_retried"`
	TasksCancelled int64         `json:"tasks_cancelled"`
	AvgDuration    time.Duration `json:"avg_duration"`
	QueueSize      int           `json:"queue_size"`
	PendingTasks   int           `json:"pending_tasks"`
	Utilization    float64       `json:"utilization"`
	PerWorker      []WorkerStats `json:"per_worker,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	// Stale is set when queue stats could not be read; QueueSize and
	// PendingTasks are zero in that case.
	Stale bool `json:"stale,omitempty"`
}

// ShutdownResult counts what happened to work during the pool's lifetime.
type ShutdownResult struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Cancelled int64 `json:"cancelled"`
	TimedOut  bool  `json:"timed_out"`
}

type worker struct {
	id         int
	cancelPull context.CancelFunc
	retiring   atomic.Bool
	current    atomic.Pointer[string]
	completed  atomic.Int64
	failed     atomic.Int64
	busyNanos  atomic.Int64
	attempts   atomic.Int64
}

func (w *worker) status() string {
	switch {
	case w.current.Load() != nil:
		return "busy"
	case w.retiring.Load():
		return "retiring"
	default:
		return "idle"
	}
}

// Pool runs pull-process-report loops over a TaskQueue. Shrinking is
// graceful: a retired worker stops pulling and finishes its current task.
type Pool struct {
	store    TaskQueue
	proc     Processor
	registry *Registry
	config   PoolConfig
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer

	mu       sync.Mutex
	workers  map[int]*worker
	nextID   int
	started  bool
	stopping bool
	group    *errgroup.Group

	pullCtx    context.Context
	pullCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc

	processed   atomic.Int64
	failed      atomic.Int64
	retried     atomic.Int64
	cancelled   atomic.Int64
	busyNanos   atomic.Int64
	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Store == nil {
		return nil, errors.New("worker pool requires a store")
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Pool{
		store:    cfg.Store,
		proc:     cfg.Processor,
		registry: cfg.Registry,
		config:   cfg,
		bus:      cfg.Bus,
		logger:   logger.With("component", "pool"),
		metrics:  cfg.Metrics,
		tracer:   tracer,
		workers:  make(map[int]*worker),
	}, nil
}

// Start launches n workers. Cancelling ctx stops pulling but lets in-flight
// tasks finish; only Shutdown's timeout cancels task contexts.
func (p *Pool) Start(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("worker count must be >= 0, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	p.started = true
	p.pullCtx, p.pullCancel = context.WithCancel(ctx)
	p.taskCtx, p.taskCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.group = new(errgroup.Group)
	for i := 0; i < n; i++ {
		p.spawnLocked()
	}
	p.logger.Info("worker pool started", "workers", n, "session_id", p.config.SessionID)
	return nil
}

func (p *Pool) spawnLocked() {
	p.nextID++
	pullCtx, cancel := context.WithCancel(p.pullCtx)
	w := &worker{id: p.nextID, cancelPull: cancel}
	p.workers[w.id] = w
	p.group.Go(func() error {
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.workers, w.id)
			p.mu.Unlock()
		}()
		p.runWorker(pullCtx, w)
		return nil
	})
}

// liveLocked returns non-retiring workers ordered oldest first.
func (p *Pool) liveLocked() []*worker {
	out := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.retiring.Load() {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ScaleTo grows the pool immediately or retires the newest workers.
func (p *Pool) ScaleTo(n int) error {
	if n < 0 {
		return fmt.Errorf("worker count must be >= 0, got %d", n)
	}
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopping {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	live := p.liveLocked()
	from := len(live)
	for i := from; i < n; i++ {
		p.spawnLocked()
	}
	for i := from - 1; i >= n; i-- {
		live[i].retiring.Store(true)
		live[i].cancelPull()
	}
	p.mu.Unlock()

	if from != n {
		p.logger.Info("worker pool scaled", "from", from, "to", n)
		p.bus.Publish(bus.TopicPoolScaled, bus.PoolScaledEvent{From: from, To: n})
	}
	return nil
}

// Size is the number of workers still pulling work.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.liveLocked())
}

// Active is the number of tasks currently being processed, including those
// held by retiring workers.
func (p *Pool) Active() int {
	return int(p.activeTasks.Load())
}

// Shutdown stops all pulling, waits up to timeout for in-flight tasks, then
// cancels whatever is still running and waits for it to be released.
func (p *Pool) Shutdown(timeout time.Duration) ShutdownResult {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ShutdownResult{}
	}
	first := !p.stopping
	p.stopping = true
	p.pullCancel()
	group := p.group
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	timedOut := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		if first {
			p.logger.Info("worker pool drained cleanly")
		}
	case <-timer.C:
		timedOut = true
		p.logger.Warn("worker pool drain timeout; cancelling in-flight tasks", "timeout", timeout, "active", p.Active())
		p.taskCancel()
		<-done
	}
	p.taskCancel()

	return ShutdownResult{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Cancelled: p.cancelled.Load(),
		TimedOut:  timedOut,
	}
}

// Snapshot collects worker metrics and, when the store answers, queue depth.
func (p *Pool) Snapshot(ctx context.Context) WorkerMetrics {
	p.mu.Lock()
	ws := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	sort.Slice(ws, func(i, j int) bool { return ws[i].id < ws[j].id })

	m := WorkerMetrics{
		At:             time.Now(),
		TasksCompleted: p.processed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		TasksCancelled: p.cancelled.Load(),
		ActiveWorkers:  p.Active(),
	}
	for _, w := range ws {
		st := WorkerStats{
			ID:             w.id,
			Status:         w.status(),
			TasksCompleted: w.completed.Load(),
			TasksFailed:    w.failed.Load(),
		}
		if cur := w.current.Load(); cur != nil {
			st.CurrentTask = *cur
		}
		if n := w.attempts.Load(); n > 0 {
			st.AvgDuration = time.Duration(w.busyNanos.Load() / n)
		}
		if !w.retiring.Load() {
			m.Workers++
		}
		m.PerWorker = append(m.PerWorker, st)
	}
	if attempts := m.TasksCompleted + m.TasksFailed + m.TasksRetried; attempts > 0 {
		m.AvgDuration = time.Duration(p.busyNanos.Load() / attempts)
	}
	if m.Workers > 0 {
		m.Utilization = float64(m.ActiveWorkers) / float64(m.Workers)
		if m.Utilization > 1 {
			m.Utilization = 1
		}
	}
	if stats, err := p.store.Stats(ctx, p.config.SessionID); err == nil {
		m.QueueSize = stats.Total
		m.PendingTasks = stats.Ready
		p.metrics.RecordQueueDepth(ctx, stats.Total)
	} else {
		m.Stale = true
		p.setLastError(fmt.Errorf("queue stats: %w", err))
	}
	if msg := p.lastError.Load(); msg != nil {
		m.LastError = *msg
	}
	return m
}

func (p *Pool) runWorker(ctx context.Context, w *worker) {
	log := p.logger.With("worker_id", w.id)
	log.Debug("worker started")
	defer log.Debug("worker stopped")
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.store.DequeueWait(ctx, p.config.SessionID, p.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.setLastError(fmt.Errorf("dequeue: %w", err))
			log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if task == nil {
			continue
		}
		p.handleTask(w, *task)
	}
}

func (p *Pool) resolve(task persistence.Task) Processor {
	if task.Name != "" {
		if def, ok := p.registry.Lookup(task.Name); ok {
			return def.Handler
		}
	}
	return p.proc
}

func (p *Pool) handleTask(w *worker, task persistence.Task) {
	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(p.taskCtx, traceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithSessionID(ctx, task.SessionID)
	ctx = shared.WithWorkerID(ctx, w.id)
	ctx, span := otelPkg.StartSpan(ctx, p.tracer, "task.process",
		otelPkg.AttrTaskID.String(task.ID),
		otelPkg.AttrSessionID.String(task.SessionID),
		otelPkg.AttrPriority.Int(int(task.Priority)),
		otelPkg.AttrRetryCount.Int(task.RetryCount),
		otelPkg.AttrWorkerID.Int(w.id),
	)
	defer span.End()

	log := p.logger.With("task_id", task.ID, "session_id", task.SessionID, "worker_id", w.id, "trace_id", traceID)
	log.Info("task processing", "priority", task.Priority.String(), "attempt", task.RetryCount+1)

	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	defer cancel()

	id := task.ID
	w.current.Store(&id)
	p.activeTasks.Add(1)
	p.metrics.WorkerBusy(ctx, 1)
	defer func() {
		w.current.Store(nil)
		p.activeTasks.Add(-1)
		p.metrics.WorkerBusy(ctx, -1)
	}()

	start := time.Now()
	result, err := p.process(taskCtx, task)
	elapsed := time.Since(start)
	w.attempts.Add(1)
	w.busyNanos.Add(int64(elapsed))
	p.busyNanos.Add(int64(elapsed))

	storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	defer storeCancel()

	// Forced shutdown: hand an unfinished task back without charging an
	// attempt. A result that made it back before the cancel is kept.
	shutdown := p.taskCtx.Err() != nil
	if shutdown && err != nil {
		if relErr := p.store.Release(storeCtx, task.ID, "worker pool shutdown"); relErr != nil {
			p.setLastError(relErr)
			log.Error("release task failed; it will be recovered on restart", "error", relErr)
		}
		p.cancelled.Add(1)
		p.dropAttempt(w, elapsed)
		log.Warn("task cancelled by shutdown")
		return
	}

	if err == nil && !shutdown && taskCtx.Err() != nil {
		err = Transient(fmt.Errorf("skip complete after context end: %w", taskCtx.Err()), 0)
	}
	if err != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		err = Transient(fmt.Errorf("task timeout exceeded after %s: %w", p.config.TaskTimeout, err), 0)
	}

	if err == nil {
		if cErr := p.store.Complete(storeCtx, task.ID, result); cErr != nil {
			p.setLastError(cErr)
			log.Error("record completion failed", "error", cErr)
			return
		}
		p.processed.Add(1)
		w.completed.Add(1)
		p.metrics.RecordTask(ctx, "completed", elapsed)
		log.Info("task completed", "duration", elapsed)
		return
	}

	span.RecordError(err)
	p.setLastError(err)
	class, retryAfter := Classify(err)
	if class == ErrorClassTransient && task.HasRetryBudget() {
		delay := persistence.RetryDelay(task.RetryBaseDelay, task.RetryCount, retryAfter)
		_, rqErr := p.store.Requeue(storeCtx, task.ID, delay, err.Error())
		if rqErr == nil {
			p.retried.Add(1)
			p.metrics.RecordTask(ctx, "retried", elapsed)
			log.Warn("task retry scheduled", "error", err, "delay", delay, "retry_count", task.RetryCount+1)
			return
		}
		if !errors.Is(rqErr, persistence.ErrRetryBudgetExhausted) {
			log.Error("requeue failed; task left for recovery", "error", rqErr)
			return
		}
	}

	permanent := class == ErrorClassPermanent
	if fErr := p.store.Fail(storeCtx, task.ID, err.Error(), permanent); fErr != nil {
		p.setLastError(fErr)
		log.Error("record failure failed; task left for recovery", "error", fErr)
		return
	}
	p.failed.Add(1)
	w.failed.Add(1)
	p.metrics.RecordTask(ctx, "failed", elapsed)
	log.Warn("task failed", "error", err, "permanent", permanent, "retry_count", task.RetryCount)
}

// dropAttempt removes a cancelled run from duration averages.
func (p *Pool) dropAttempt(w *worker, elapsed time.Duration) {
	w.attempts.Add(-1)
	w.busyNanos.Add(-int64(elapsed))
	p.busyNanos.Add(-int64(elapsed))
}

// process runs the handler and converts a panic into a permanent failure.
func (p *Pool) process(ctx context.Context, task persistence.Task) (result string, err error) {
	proc := p.resolve(task)
	if proc == nil {
		return "", Permanent(fmt.Errorf("%w %q", ErrNoProcessor, task.Name))
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanentf("processor panic: %v", r)
		}
	}()
	return proc.Process(ctx, task)
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}
