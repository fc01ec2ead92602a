package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/apiforge/internal/bus"
	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/shared"
)

// ErrCooldown is returned by Execute when a scaling action lands inside the
// cooldown window of the previous one.
var ErrCooldown = errors.New("scaling cooldown in effect")

// Action is the direction of a scheduling decision.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionMaintain  Action = "maintain"
)

// Opposes reports whether a and b move the pool in opposite directions.
func (a Action) Opposes(b Action) bool {
	return (a == ActionScaleUp && b == ActionScaleDown) || (a == ActionScaleDown && b == ActionScaleUp)
}

// Risk levels attached to a decision.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Decision is one scheduling verdict. Current and Target are worker counts.
type Decision struct {
	Action          Action    `json:"action"`
	Current         int       `json:"current_workers"`
	Target          int       `json:"target_workers"`
	Reason          string    `json:"reason"`
	Confidence      float64   `json:"confidence"`
	Risk            string    `json:"risk_level"`
	Issues          []string  `json:"potential_issues,omitempty"`
	Pressure        float64   `json:"queue_pressure"`
	ResourceLimited bool      `json:"resource_limited"`
	Source          string    `json:"source,omitempty"`
	At              time.Time `json:"timestamp"`
}

// Maintain returns a maintain decision at current.
func Maintain(current int, confidence float64, reason string, at time.Time) Decision {
	return Decision{
		Action:     ActionMaintain,
		Current:    current,
		Target:     current,
		Reason:     reason,
		Confidence: confidence,
		Risk:       RiskLow,
		At:         at,
	}
}

// Scalable is the pool surface the scaler drives.
type Scalable interface {
	ScaleTo(n int) error
}

// QueueMetrics is what Evaluate needs from the pool and store each tick.
type QueueMetrics struct {
	ActiveWorkers  int
	PendingTasks   int
	CompletedTotal int64
	At             time.Time
}

const (
	defaultMinWorkers         = 1
	defaultMaxWorkers         = 10
	defaultScaleUpThreshold   = 0.7
	defaultScaleDownThreshold = 0.3
	defaultCooldown           = 60 * time.Second
	defaultInterval           = 30 * time.Second
	DefaultCPUCeiling         = 80.0
	DefaultMemoryFloorMB      = 1000.0
	defaultMaxConsecutive     = 3

	scalingHistorySize  = 50
	resourceHistorySize = 20

	// perWorkerCapacity is the backlog one worker is expected to absorb.
	perWorkerCapacity = 100.0
	// drainTarget is the backlog clear time considered healthy.
	drainTarget = 5 * time.Minute
)

type Option func(*Scaler)

func WithMinWorkers(n int) Option { return func(s *Scaler) { s.minWorkers = n } }

func WithMaxWorkers(n int) Option { return func(s *Scaler) { s.maxWorkers = n } }

func WithScaleUpThreshold(v float64) Option { return func(s *Scaler) { s.upThreshold = v } }

func WithScaleDownThreshold(v float64) Option { return func(s *Scaler) { s.downThreshold = v } }

func WithCooldown(d time.Duration) Option { return func(s *Scaler) { s.cooldown = d } }

func WithInterval(d time.Duration) Option { return func(s *Scaler) { s.interval = d } }

// WithCPUCeiling sets the host CPU percentage above which scale-up is suppressed.
func WithCPUCeiling(pct float64) Option { return func(s *Scaler) { s.cpuCeiling = pct } }

// WithMemoryFloor sets the available memory, in MB, below which scale-up is
// suppressed.
func WithMemoryFloor(mb float64) Option { return func(s *Scaler) { s.memoryFloorMB = mb } }

// WithMaxConsecutive sets how many same-direction actions may follow each
// other before the cooldown is doubled.
func WithMaxConsecutive(n int) Option { return func(s *Scaler) { s.maxConsecutive = n } }

func WithClock(now func() time.Time) Option {
	return func(s *Scaler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scaler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithBus(b *bus.Bus) Option { return func(s *Scaler) { s.bus = b } }

func WithMetrics(m *otelPkg.Metrics) Option { return func(s *Scaler) { s.metrics = m } }

// Scaler turns queue pressure and host resources into bounded scaling
// decisions with cooldown and oscillation damping.
type Scaler struct {
	pool    Scalable
	sampler ResourceSampler
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otelPkg.Metrics
	now     func() time.Time

	mu             sync.Mutex
	minWorkers     int
	maxWorkers     int
	upThreshold    float64
	downThreshold  float64
	cooldown       time.Duration
	interval       time.Duration
	cpuCeiling     float64
	memoryFloorMB  float64
	maxConsecutive int

	lastAction     Action
	lastActionAt   time.Time
	consecutive    int
	lastMetrics    *QueueMetrics
	history        *shared.Ring[Decision]
	resourceSample *shared.Ring[ResourceSample]
}

// New validates the options and returns a scaler. sampler may be nil, in
// which case resources never constrain scale-up.
func New(pool Scalable, sampler ResourceSampler, opts ...Option) (*Scaler, error) {
	s := &Scaler{
		pool:           pool,
		sampler:        sampler,
		logger:         slog.Default(),
		now:            time.Now,
		minWorkers:     defaultMinWorkers,
		maxWorkers:     defaultMaxWorkers,
		upThreshold:    defaultScaleUpThreshold,
		downThreshold:  defaultScaleDownThreshold,
		cooldown:       defaultCooldown,
		interval:       defaultInterval,
		cpuCeiling:     DefaultCPUCeiling,
		memoryFloorMB:  DefaultMemoryFloorMB,
		maxConsecutive: defaultMaxConsecutive,
		lastAction:     ActionMaintain,
		history:        shared.NewRing[Decision](scalingHistorySize),
		resourceSample: shared.NewRing[ResourceSample](resourceHistorySize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.logger = s.logger.With("component", "scaler")
	return s, nil
}

func (s *Scaler) validate() error {
	switch {
	case s.minWorkers < 1:
		return shared.NewConfigError("min_workers", "must be >= 1, got %d", s.minWorkers)
	case s.maxWorkers < s.minWorkers:
		return shared.NewConfigError("max_workers", "must be >= min_workers (%d), got %d", s.minWorkers, s.maxWorkers)
	}
	if err := validateThresholds(s.upThreshold, s.downThreshold); err != nil {
		return err
	}
	switch {
	case s.cooldown < 0:
		return shared.NewConfigError("cooldown", "must be >= 0, got %s", s.cooldown)
	case s.interval <= 0:
		return shared.NewConfigError("monitoring_interval", "must be > 0, got %s", s.interval)
	case s.maxConsecutive < 1:
		return shared.NewConfigError("max_consecutive", "must be >= 1, got %d", s.maxConsecutive)
	}
	return nil
}

func validateThresholds(up, down float64) error {
	if up <= 0 || up > 1 {
		return shared.NewConfigError("scale_up_threshold", "must be in (0, 1], got %.2f", up)
	}
	if down < 0 || down >= 1 {
		return shared.NewConfigError("scale_down_threshold", "must be in [0, 1), got %.2f", down)
	}
	if down >= up {
		return shared.NewConfigError("scale_down_threshold", "must be below scale_up_threshold (%.2f), got %.2f", up, down)
	}
	return nil
}

// UpdateThresholds swaps the pressure thresholds on a running scaler.
func (s *Scaler) UpdateThresholds(up, down float64) error {
	if err := validateThresholds(up, down); err != nil {
		return err
	}
	s.mu.Lock()
	s.upThreshold, s.downThreshold = up, down
	s.mu.Unlock()
	s.logger.Info("scaling thresholds updated", "scale_up", up, "scale_down", down)
	return nil
}

// Bounds returns the worker range.
func (s *Scaler) Bounds() (minWorkers, maxWorkers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minWorkers, s.maxWorkers
}

// Interval is the evaluation period Run uses.
func (s *Scaler) Interval() time.Duration {
	return s.interval
}

// History returns recorded scaling decisions, oldest first.
func (s *Scaler) History() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Slice()
}

// ResourceHistory returns recent resource samples, oldest first.
func (s *Scaler) ResourceHistory() []ResourceSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resourceSample.Slice()
}

// Summary is a point-in-time view of scaler state.
type Summary struct {
	MinWorkers      int             `json:"min_workers"`
	MaxWorkers      int             `json:"max_workers"`
	ScaleUp         float64         `json:"scale_up_threshold"`
	ScaleDown       float64         `json:"scale_down_threshold"`
	ScalingEvents   int             `json:"scaling_events"`
	LastDecision    *Decision       `json:"last_scaling,omitempty"`
	LastResources   *ResourceSample `json:"resource_usage,omitempty"`
	ConsecutiveRuns int             `json:"consecutive_actions"`
}

func (s *Scaler) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Summary{
		MinWorkers:      s.minWorkers,
		MaxWorkers:      s.maxWorkers,
		ScaleUp:         s.upThreshold,
		ScaleDown:       s.downThreshold,
		ScalingEvents:   s.history.Len(),
		ConsecutiveRuns: s.consecutive,
	}
	if d, ok := s.history.Last(); ok {
		out.LastDecision = &d
	}
	if r, ok := s.resourceSample.Last(); ok {
		out.LastResources = &r
	}
	return out
}

// Execute applies a non-maintain decision to the pool. Actions inside the
// cooldown window return ErrCooldown without touching the pool.
func (s *Scaler) Execute(ctx context.Context, d Decision) error {
	if d.Action == ActionMaintain || d.Target == d.Current {
		return nil
	}
	if s.pool == nil {
		return errors.New("scaler has no pool")
	}
	s.mu.Lock()
	now := s.now()
	if !s.lastActionAt.IsZero() && now.Sub(s.lastActionAt) < s.cooldown {
		s.mu.Unlock()
		return ErrCooldown
	}
	target := clamp(d.Target, s.minWorkers, s.maxWorkers)
	s.mu.Unlock()

	if err := s.pool.ScaleTo(target); err != nil {
		return fmt.Errorf("scale %s to %d: %w", d.Action, target, err)
	}

	s.mu.Lock()
	if d.Action == s.lastAction {
		s.consecutive++
	} else {
		s.consecutive = 1
	}
	s.lastAction = d.Action
	s.lastActionAt = now
	d.Target = target
	if d.At.IsZero() {
		d.At = now
	}
	s.history.Push(d)
	s.mu.Unlock()

	s.metrics.RecordScaling(ctx, string(d.Action))
	s.logger.Info("scaling executed",
		"action", d.Action, "from", d.Current, "to", target,
		"reason", d.Reason, "confidence", d.Confidence)
	if s.bus != nil {
		s.bus.Publish(bus.TopicScaling, bus.ScalingEvent{
			Action:     string(d.Action),
			Current:    d.Current,
			Target:     target,
			Reason:     d.Reason,
			Confidence: d.Confidence,
			Risk:       d.Risk,
			At:         d.At,
		})
	}
	return nil
}

// MetricsFunc supplies queue metrics to Run.
type MetricsFunc func(ctx context.Context) (QueueMetrics, error)

// Run evaluates and executes on every interval until ctx is done. It is
// for standalone use; the hybrid scheduler drives Evaluate itself.
func (s *Scaler) Run(ctx context.Context, metrics MetricsFunc) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		m, err := metrics(ctx)
		if err != nil {
			s.logger.Warn("collect queue metrics failed", "error", err)
			continue
		}
		d := s.Evaluate(ctx, m)
		if d.Action == ActionMaintain {
			continue
		}
		if err := s.Execute(ctx, d); err != nil && !errors.Is(err, ErrCooldown) {
			s.logger.Error("scaling failed", "action", d.Action, "target", d.Target, "error", err)
		}
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
