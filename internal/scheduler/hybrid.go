// Package scheduler is the top-level control loop. It classifies the
// workload, runs the worker pool and fuses the progressive and dynamic
// scaling decisions on every tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/engine"
	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/pattern"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/progressive"
	"github.com/basket/apiforge/internal/scaler"
	"github.com/basket/apiforge/internal/shared"
)

var (
	ErrNotAnalyzed    = errors.New("scheduler: workload not analyzed")
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrNotRunning     = errors.New("scheduler: not running")
)

// State is the scheduler lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateAnalyzing    State = "analyzing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

const (
	decisionHistorySize = 1000
	sampleHistorySize   = 1000
)

// ProcessorFactory builds the processor the pool runs tasks with.
type ProcessorFactory func(ctx context.Context) (engine.Processor, error)

// Store is the task queue plus the per-status counts used to judge drain
// and to total a session in the report.
type Store interface {
	engine.TaskQueue
	StatusCounts(ctx context.Context, sessionFilter string) (map[persistence.TaskStatus]int, error)
}

type Config struct {
	Store    Store
	Registry *engine.Registry
	Bus      *bus.Bus
	Logger   *slog.Logger
	Sampler  scaler.ResourceSampler
	Metrics  *otelPkg.Metrics
	Tracer   trace.Tracer
	Mode     progressive.Mode
	// SessionID scopes the pool and queue stats. A fresh id is generated
	// when empty.
	SessionID      string
	Overrides      Overrides
	DequeueTimeout time.Duration
	TaskTimeout    time.Duration
	// CPUCeiling and MemoryFloorMB override the scaler's resource guards
	// when positive.
	CPUCeiling    float64
	MemoryFloorMB float64
	Clock         func() time.Time
}

// sample is one tick's view of the pool, kept for the report.
type sample struct {
	At          time.Time
	Workers     int
	Active      int
	QueueSize   int
	Completed   int64
	Failed      int64
	Utilization float64
}

// Scheduler drives one run. It is not reusable after Stop.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	now     func() time.Time

	mu        sync.Mutex
	state     State
	pattern   *pattern.APIPattern
	endpoints int
	strategy  ExecutionStrategy
	pool      *engine.Pool
	scaler    *scaler.Scaler
	prog      *progressive.Scheduler
	sink      EventSink
	decisions *shared.Ring[scaler.Decision]
	samples   *shared.Ring[sample]
	scaling   int
	startedAt time.Time
	endedAt   time.Time
	lastErr   error
	result    engine.ShutdownResult

	cancel      context.CancelFunc
	group       *errgroup.Group
	drained     chan struct{}
	drainedOnce sync.Once
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler requires a store")
	}
	if cfg.Mode == "" {
		cfg.Mode = progressive.ModeAuto
	}
	if _, err := progressive.ParseMode(string(cfg.Mode)); err != nil {
		return nil, shared.NewConfigError("execution_mode", "%v", err)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = shared.NewID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		cfg:       cfg,
		logger:    logger.With("component", "scheduler", "session_id", cfg.SessionID),
		tracer:    tracer,
		metrics:   cfg.Metrics,
		now:       now,
		state:     StateInitializing,
		decisions: shared.NewRing[scaler.Decision](decisionHistorySize),
		samples:   shared.NewRing[sample](sampleHistorySize),
		drained:   make(chan struct{}),
	}
	s.logger.Info("scheduler initialized", "mode", cfg.Mode)
	return s, nil
}

func (s *Scheduler) SessionID() string { return s.cfg.SessionID }

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setStateLocked(to State, err error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	ev := bus.SchedulerStateEvent{From: string(from), To: string(to)}
	if err != nil {
		ev.Err = err.Error()
	}
	s.cfg.Bus.Publish(bus.TopicSchedulerState, ev)
	s.logger.Debug("scheduler state changed", "from", from, "to", to)
}

// Analyze classifies the workload and derives the execution strategy.
func (s *Scheduler) Analyze(ctx context.Context, endpoints []pattern.Endpoint) (ExecutionStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing && s.state != StateAnalyzing {
		return ExecutionStrategy{}, ErrAlreadyStarted
	}
	if len(endpoints) == 0 {
		return ExecutionStrategy{}, errors.New("scheduler: no endpoints to analyze")
	}
	s.setStateLocked(StateAnalyzing, nil)

	_, span := otelPkg.StartSpan(ctx, s.tracer, "scheduler.analyze",
		otelPkg.AttrSessionID.String(s.cfg.SessionID),
		otelPkg.AttrStrategy.String(string(s.cfg.Mode)))
	defer span.End()

	p := pattern.Analyze(endpoints)
	st, err := BuildStrategy(p, s.cfg.Mode, s.cfg.Overrides)
	if err != nil {
		span.RecordError(err)
		return ExecutionStrategy{}, err
	}
	s.pattern = &p
	s.endpoints = len(endpoints)
	s.strategy = st
	s.logger.Info("workload analyzed",
		"pattern", p.Name, "confidence", p.Confidence, "complexity", p.Complexity.Level.String(),
		"endpoints", len(endpoints), "initial_workers", st.InitialWorkers,
		"min_workers", st.MinWorkers, "max_workers", st.MaxWorkers)
	return st, nil
}

// Pattern returns the analyzed pattern, or nil before Analyze.
func (s *Scheduler) Pattern() *pattern.APIPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pattern
}

// Start builds the pool with the strategy's initial workers and launches
// the tick loop. sink may be nil.
func (s *Scheduler) Start(ctx context.Context, factory ProcessorFactory, sink EventSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.pattern == nil:
		return ErrNotAnalyzed
	case s.state != StateAnalyzing:
		return ErrAlreadyStarted
	}

	var proc engine.Processor
	if factory != nil {
		p, err := factory(ctx)
		if err != nil {
			s.failLocked(err)
			return fmt.Errorf("build processor: %w", err)
		}
		proc = p
	}
	pool, err := engine.NewPool(engine.PoolConfig{
		Store:          s.cfg.Store,
		Processor:      proc,
		Registry:       s.cfg.Registry,
		Bus:            s.cfg.Bus,
		Logger:         s.cfg.Logger,
		Metrics:        s.metrics,
		Tracer:         s.tracer,
		SessionID:      s.cfg.SessionID,
		DequeueTimeout: s.cfg.DequeueTimeout,
		TaskTimeout:    s.cfg.TaskTimeout,
	})
	if err != nil {
		s.failLocked(err)
		return err
	}
	st := s.strategy
	opts := []scaler.Option{
		scaler.WithMinWorkers(st.MinWorkers),
		scaler.WithMaxWorkers(st.MaxWorkers),
		scaler.WithScaleUpThreshold(st.ScaleUpThreshold),
		scaler.WithScaleDownThreshold(st.ScaleDownThreshold),
		scaler.WithCooldown(st.Cooldown),
		scaler.WithInterval(st.MonitoringInterval),
		scaler.WithClock(s.now),
		scaler.WithLogger(s.cfg.Logger),
		scaler.WithMetrics(s.metrics),
	}
	if s.cfg.CPUCeiling > 0 {
		opts = append(opts, scaler.WithCPUCeiling(s.cfg.CPUCeiling))
	}
	if s.cfg.MemoryFloorMB > 0 {
		opts = append(opts, scaler.WithMemoryFloor(s.cfg.MemoryFloorMB))
	}
	sc, err := scaler.New(pool, s.cfg.Sampler, opts...)
	if err != nil {
		s.failLocked(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := pool.Start(runCtx, st.InitialWorkers); err != nil {
		cancel()
		s.failLocked(err)
		return err
	}
	s.pool = pool
	s.scaler = sc
	s.sink = sink
	if st.Progressive {
		s.prog = progressive.New(*s.pattern, st.Mode, progressive.WithClock(s.now), progressive.WithLogger(s.cfg.Logger))
	}
	s.cancel = cancel
	s.startedAt = s.now()
	s.group = new(errgroup.Group)
	s.group.Go(func() error {
		s.loop(runCtx, st.MonitoringInterval)
		return nil
	})
	s.setStateLocked(StateRunning, nil)
	s.logger.Info("scheduler started",
		"mode", st.Mode, "workers", st.InitialWorkers, "interval", st.MonitoringInterval)
	return nil
}

func (s *Scheduler) failLocked(err error) {
	s.lastErr = err
	s.setStateLocked(StateStopped, err)
	s.logger.Error("scheduler failed", "error", err)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one control step. It is exported so callers and tests can step
// the loop without waiting for the interval.
func (s *Scheduler) Tick(ctx context.Context) scaler.Decision {
	s.mu.Lock()
	pool, sc, prog, state, autoScaling := s.pool, s.scaler, s.prog, s.state, s.strategy.AutoScaling
	s.mu.Unlock()
	if pool == nil || (state != StateRunning && state != StatePaused) {
		return scaler.Maintain(0, 1, "scheduler not running", s.now())
	}

	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "scheduler.tick",
		otelPkg.AttrSessionID.String(s.cfg.SessionID),
		otelPkg.AttrStrategy.String(string(s.cfg.Mode)))
	defer span.End()

	now := s.now()
	m := pool.Snapshot(ctx)
	s.recordSample(now, m)

	var progDecision *scaler.Decision
	if prog != nil {
		prog.UpdateMetrics(progressive.Sample{
			At:            now,
			Completed:     m.TasksCompleted,
			Failed:        m.TasksFailed,
			ActiveWorkers: m.Workers,
			Pending:       m.QueueSize,
			InProgress:    m.ActiveWorkers,
			AvgDuration:   m.AvgDuration,
		})
	}

	if state == StatePaused {
		d := scaler.Maintain(m.Workers, 1, "scheduler paused", now)
		s.checkDrained(ctx, m, prog)
		return d
	}

	var dynDecision *scaler.Decision
	if autoScaling {
		d := sc.Evaluate(ctx, scaler.QueueMetrics{
			ActiveWorkers:  m.Workers,
			PendingTasks:   m.PendingTasks,
			CompletedTotal: m.TasksCompleted,
			At:             now,
		})
		dynDecision = &d
	}
	if prog != nil {
		d := prog.Recommendation(m.Workers)
		progDecision = &d
	}

	d := Fuse(s.cfg.Mode, dynDecision, progDecision, m.Workers, now)
	span.SetAttributes(otelPkg.AttrAction.String(string(d.Action)))
	if d.Action != scaler.ActionMaintain {
		d = s.execute(ctx, sc, d)
	}
	s.mu.Lock()
	s.decisions.Push(d)
	s.mu.Unlock()

	if prog != nil && prog.ShouldTransition() {
		if rec, ok := prog.TransitionToNextPhase(); ok {
			s.onPhaseTransition(ctx, rec, prog.CurrentPhase())
		}
	}
	s.checkDrained(ctx, m, prog)
	return d
}

// execute applies d. Failures are logged and degrade to maintain.
func (s *Scheduler) execute(ctx context.Context, sc *scaler.Scaler, d scaler.Decision) scaler.Decision {
	if err := sc.Execute(ctx, d); err != nil {
		if errors.Is(err, scaler.ErrCooldown) {
			s.logger.Debug("scaling deferred by cooldown", "action", d.Action, "target", d.Target)
		} else {
			s.logger.Warn("scaling failed; maintaining", "action", d.Action, "target", d.Target, "error", err)
		}
		out := scaler.Maintain(d.Current, d.Confidence, fmt.Sprintf("%s not applied: %v", d.Action, err), d.At)
		out.Source = d.Source
		return out
	}
	s.mu.Lock()
	s.scaling++
	s.mu.Unlock()
	ev := bus.ScalingEvent{
		Action:     string(d.Action),
		Current:    d.Current,
		Target:     d.Target,
		Reason:     d.Reason,
		Confidence: d.Confidence,
		Risk:       d.Risk,
		At:         d.At,
	}
	s.emit(EventScaling, bus.TopicScaling, ev)
	return d
}

func (s *Scheduler) onPhaseTransition(ctx context.Context, rec progressive.PhaseRecord, next progressive.Phase) {
	s.metrics.RecordPhaseTransition(ctx, rec.Name, next.Name)
	s.emit(EventPhaseTransition, bus.TopicPhaseTransition, bus.PhaseTransitionEvent{
		From:       rec.Name,
		To:         next.Name,
		Throughput: rec.FinalThroughput,
		Elapsed:    rec.Duration,
		At:         rec.EndedAt,
	})
}

func (s *Scheduler) emit(kind EventKind, topic string, payload any) {
	s.cfg.Bus.Publish(topic, payload)
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.OnEvent(kind, payload)
	}
}

func (s *Scheduler) recordSample(now time.Time, m engine.WorkerMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples.Push(sample{
		At:          now,
		Workers:     m.Workers,
		Active:      m.ActiveWorkers,
		QueueSize:   m.QueueSize,
		Completed:   m.TasksCompleted,
		Failed:      m.TasksFailed,
		Utilization: m.Utilization,
	})
}

// checkDrained closes the drained channel once the session has nothing
// queued and nothing in flight. The pool's view is only a shortcut: a task
// a worker has claimed but not started is visible in the store alone, whose
// counts move in the same transaction as the claim.
func (s *Scheduler) checkDrained(ctx context.Context, m engine.WorkerMetrics, prog *progressive.Scheduler) {
	if m.Stale || m.QueueSize > 0 || m.ActiveWorkers > 0 {
		return
	}
	counts, err := s.cfg.Store.StatusCounts(ctx, s.cfg.SessionID)
	if err != nil {
		s.logger.Warn("drain check: status counts", "error", err)
		return
	}
	pending := counts[persistence.TaskStatusPending] + counts[persistence.TaskStatusRetrying]
	inProgress := counts[persistence.TaskStatusInProgress]
	if pending > 0 || inProgress > 0 {
		return
	}
	if prog != nil && prog.Complete(pending, inProgress) {
		s.logger.Info("final phase complete", "phase", prog.CurrentPhase().Name)
	}
	s.drainedOnce.Do(func() {
		s.logger.Info("queue drained", "completed", m.TasksCompleted, "failed", m.TasksFailed)
		close(s.drained)
	})
}

// Drained is closed once a tick observes an empty queue with no task in
// flight.
func (s *Scheduler) Drained() <-chan struct{} { return s.drained }

// Wait blocks until the queue drains or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends scaling decisions. Workers keep processing.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return ErrNotRunning
	}
	s.setStateLocked(StatePaused, nil)
	s.logger.Info("scheduler paused")
	return nil
}

func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return ErrNotRunning
	}
	s.setStateLocked(StateRunning, nil)
	s.logger.Info("scheduler resumed")
	return nil
}

// UpdateThresholds forwards new pressure thresholds to the live scaler.
func (s *Scheduler) UpdateThresholds(up, down float64) error {
	s.mu.Lock()
	sc := s.scaler
	s.mu.Unlock()
	if sc == nil {
		return ErrNotRunning
	}
	if err := sc.UpdateThresholds(up, down); err != nil {
		return err
	}
	s.mu.Lock()
	s.strategy.ScaleUpThreshold, s.strategy.ScaleDownThreshold = up, down
	s.mu.Unlock()
	return nil
}

// Stop ends the tick loop and shuts the pool down, force-cancelling tasks
// still running after timeout.
func (s *Scheduler) Stop(timeout time.Duration) (engine.ShutdownResult, error) {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		res := s.result
		s.mu.Unlock()
		return res, ErrNotRunning
	}
	s.setStateLocked(StateStopping, nil)
	cancel, group, pool := s.cancel, s.group, s.pool
	s.mu.Unlock()

	cancel()
	_ = group.Wait()
	res := pool.Shutdown(timeout)

	s.mu.Lock()
	s.result = res
	s.endedAt = s.now()
	s.setStateLocked(StateStopped, nil)
	s.mu.Unlock()
	s.logger.Info("scheduler stopped",
		"processed", res.Processed, "failed", res.Failed, "retried", res.Retried,
		"cancelled", res.Cancelled, "timed_out", res.TimedOut)
	return res, nil
}

// Status is a point-in-time view for status output and the gateway.
type Status struct {
	State      State                 `json:"state"`
	SessionID  string                `json:"session_id"`
	Mode       progressive.Mode      `json:"execution_mode"`
	Pattern    string                `json:"api_pattern,omitempty"`
	Complexity string                `json:"complexity,omitempty"`
	Strategy   ExecutionStrategy     `json:"strategy"`
	Phase      *progressive.Summary  `json:"progressive,omitempty"`
	Scaler     *scaler.Summary       `json:"workers,omitempty"`
	Pool       *engine.WorkerMetrics `json:"performance,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		State:     s.state,
		SessionID: s.cfg.SessionID,
		Mode:      s.cfg.Mode,
		Strategy:  s.strategy,
	}
	if s.pattern != nil {
		st.Pattern = s.pattern.Name
		st.Complexity = s.pattern.Complexity.Level.String()
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	pool, sc, prog := s.pool, s.scaler, s.prog
	s.mu.Unlock()

	if prog != nil {
		sum := prog.Summary()
		st.Phase = &sum
	}
	if sc != nil {
		sum := sc.Summary()
		st.Scaler = &sum
	}
	if pool != nil {
		m := pool.Snapshot(ctx)
		st.Pool = &m
	}
	return st
}
