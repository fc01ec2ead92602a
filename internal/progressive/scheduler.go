package progressive

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/basket/apiforge/internal/pattern"
	"github.com/basket/apiforge/internal/scaler"
	"github.com/basket/apiforge/internal/shared"
)

const (
	recommendationConfidence = 0.85
	sampleHistorySize        = 100
)

// Sample is one performance observation. Completed and Failed are
// cumulative for the run.
type Sample struct {
	At            time.Time     `json:"timestamp"`
	Completed     int64         `json:"total_completed"`
	Failed        int64         `json:"total_failed"`
	ActiveWorkers int           `json:"active_workers"`
	Pending       int           `json:"pending"`
	InProgress    int           `json:"in_progress"`
	AvgDuration   time.Duration `json:"avg_duration"`
	// Throughput is completions per minute since the previous sample.
	Throughput float64 `json:"throughput"`
	ErrorRate  float64 `json:"error_rate"`
	Phase      string  `json:"phase"`
}

// PhaseRecord is the exit snapshot of a finished phase.
type PhaseRecord struct {
	Name            string        `json:"name"`
	TargetWorkers   int           `json:"target_workers"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
	Duration        time.Duration `json:"duration"`
	Samples         int           `json:"samples"`
	FinalThroughput float64       `json:"final_throughput"`
	Reason          string        `json:"reason"`
}

// Scheduler is the phase state machine. The phase pointer only moves
// forward.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time
	mode   Mode

	mu           sync.Mutex
	phases       []Phase
	index        int
	phaseStart   time.Time
	phaseSamples []Sample
	last         Sample
	samples      *shared.Ring[Sample]
	records      []PhaseRecord
	exitReason   string
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the phase list for p and mode and starts the first phase.
func New(p pattern.APIPattern, mode Mode, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  slog.Default(),
		now:     time.Now,
		mode:    mode,
		phases:  BuildPhases(p, mode),
		samples: shared.NewRing[Sample](sampleHistorySize),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "progressive")
	s.phaseStart = s.now()
	s.last = Sample{At: s.phaseStart}
	s.logger.Info("progressive scheduler ready",
		"mode", mode, "pattern", p.Name, "phases", len(s.phases), "phase", s.phases[0].Name)
	return s
}

// Phases returns the static phase list.
func (s *Scheduler) Phases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Phase(nil), s.phases...)
}

// CurrentPhase returns the active phase.
func (s *Scheduler) CurrentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phases[s.index]
}

// PhaseElapsed is the time spent in the active phase.
func (s *Scheduler) PhaseElapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.phaseStart)
}

// UpdateMetrics records a sample and fills in its throughput and error rate.
func (s *Scheduler) UpdateMetrics(in Sample) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.At.IsZero() {
		in.At = s.now()
	}
	if dt := in.At.Sub(s.last.At).Minutes(); dt > 0 && in.Completed >= s.last.Completed {
		in.Throughput = float64(in.Completed-s.last.Completed) / dt
	}
	if total := in.Completed + in.Failed; total > 0 {
		in.ErrorRate = float64(in.Failed) / float64(total)
	}
	in.Phase = s.phases[s.index].Name
	s.last = in
	s.samples.Push(in)
	s.phaseSamples = append(s.phaseSamples, in)
	if len(s.phaseSamples) > sampleHistorySize {
		s.phaseSamples = s.phaseSamples[len(s.phaseSamples)-sampleHistorySize:]
	}
	return in
}

// Samples returns recent samples, oldest first.
func (s *Scheduler) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples.Slice()
}

// ShouldTransition reports whether the active phase has met its exit
// criteria and a later phase exists. The last phase never transitions; use
// Complete for it.
func (s *Scheduler) ShouldTransition() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.phases)-1 {
		return false
	}
	reason, ok := s.exitReasonLocked()
	if ok {
		s.exitReason = reason
	}
	return ok
}

func (s *Scheduler) exitReasonLocked() (string, bool) {
	phase := s.phases[s.index]
	elapsed := s.now().Sub(s.phaseStart)
	if elapsed < phase.MinDuration {
		return "", false
	}
	if phase.MaxDuration > 0 && elapsed > phase.MaxDuration {
		return "max_duration_exceeded", true
	}
	for _, c := range phase.ExitConditions {
		if s.conditionMetLocked(phase, c) {
			return string(c), true
		}
	}
	return "", false
}

func (s *Scheduler) conditionMetLocked(phase Phase, c Condition) bool {
	switch c {
	case CondStablePerformance:
		return stable(s.phaseSamples, 3)
	case CondTargetImprovement:
		return improvement(s.phaseSamples) >= phase.TargetImprovement
	case CondDiminishing:
		return diminishing(s.phaseSamples, 4)
	case CondAllTasksDone:
		if len(s.phaseSamples) == 0 {
			return false
		}
		l := s.phaseSamples[len(s.phaseSamples)-1]
		return l.Pending == 0 && l.InProgress == 0
	}
	return false
}

// TransitionToNextPhase snapshots the active phase and advances. It returns
// false when the active phase is the last one.
func (s *Scheduler) TransitionToNextPhase() (PhaseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.phases)-1 {
		return PhaseRecord{}, false
	}
	now := s.now()
	rec := s.recordLocked(now)
	s.records = append(s.records, rec)
	s.index++
	s.phaseStart = now
	s.phaseSamples = nil
	s.exitReason = ""
	next := s.phases[s.index]
	s.logger.Info("phase transition",
		"from", rec.Name, "to", next.Name, "target_workers", next.TargetWorkers,
		"reason", rec.Reason, "elapsed", rec.Duration)
	return rec, true
}

func (s *Scheduler) recordLocked(now time.Time) PhaseRecord {
	phase := s.phases[s.index]
	rec := PhaseRecord{
		Name:          phase.Name,
		TargetWorkers: phase.TargetWorkers,
		StartedAt:     s.phaseStart,
		EndedAt:       now,
		Duration:      now.Sub(s.phaseStart),
		Samples:       len(s.phaseSamples),
		Reason:        s.exitReason,
	}
	if n := len(s.phaseSamples); n > 0 {
		rec.FinalThroughput = s.phaseSamples[n-1].Throughput
	}
	if rec.Reason == "" {
		rec.Reason = "forced"
	}
	return rec
}

// Complete reports whether the run is finished: the last phase is active
// and nothing is pending or in progress.
func (s *Scheduler) Complete(pending, inProgress int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index == len(s.phases)-1 && pending == 0 && inProgress == 0
}

// History returns the exit snapshots of finished phases, in order.
func (s *Scheduler) History() []PhaseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PhaseRecord(nil), s.records...)
}

// Recommendation compares active workers against the phase target.
func (s *Scheduler) Recommendation(active int) scaler.Decision {
	s.mu.Lock()
	phase := s.phases[s.index]
	now := s.now()
	s.mu.Unlock()

	target := phase.TargetWorkers
	d := scaler.Decision{
		Current:    active,
		Target:     target,
		Confidence: recommendationConfidence,
		Risk:       scaler.RiskLow,
		Source:     "progressive",
		At:         now,
	}
	switch {
	case active < target:
		d.Action = scaler.ActionScaleUp
		d.Reason = fmt.Sprintf("phase %s needs %d workers", phase.Name, target)
	case active > target:
		d.Action = scaler.ActionScaleDown
		d.Reason = fmt.Sprintf("phase %s only needs %d workers", phase.Name, target)
	default:
		d.Action = scaler.ActionMaintain
		d.Reason = fmt.Sprintf("worker count matches phase %s", phase.Name)
	}
	if diff := target - active; diff > 2 || diff < -2 {
		d.Risk = scaler.RiskMedium
	}
	return d
}

// Summary describes phase progress for status output.
type Summary struct {
	Mode         Mode          `json:"mode"`
	CurrentPhase string        `json:"current_phase"`
	Progress     float64       `json:"phase_progress"`
	Completed    int           `json:"phases_completed"`
	Total        int           `json:"total_phases"`
	Records      []PhaseRecord `json:"phase_history,omitempty"`
	Latest       *Sample       `json:"current_performance,omitempty"`
}

func (s *Scheduler) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	phase := s.phases[s.index]
	out := Summary{
		Mode:         s.mode,
		CurrentPhase: phase.Name,
		Completed:    s.index,
		Total:        len(s.phases),
		Records:      append([]PhaseRecord(nil), s.records...),
	}
	if phase.MinDuration > 0 {
		out.Progress = math.Min(s.now().Sub(s.phaseStart).Seconds()/phase.MinDuration.Seconds(), 1)
	}
	if l, ok := s.samples.Last(); ok {
		out.Latest = &l
	}
	return out
}

// stable reports whether the last n throughputs have a standard deviation
// under stabilityTolerance of their mean.
func stable(samples []Sample, n int) bool {
	if len(samples) < n {
		return false
	}
	recent := samples[len(samples)-n:]
	var sum float64
	for _, s := range recent {
		sum += s.Throughput
	}
	avg := sum / float64(n)
	if avg <= 0 {
		return false
	}
	var variance float64
	for _, s := range recent {
		variance += (s.Throughput - avg) * (s.Throughput - avg)
	}
	variance /= float64(n)
	return variance < (avg*stabilityTolerance)*(avg*stabilityTolerance)
}

// improvement is the relative throughput gain of the latest sample over the
// first one of the phase.
func improvement(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	first := samples[0].Throughput
	if first <= 0 {
		return 0
	}
	return (samples[len(samples)-1].Throughput - first) / first
}

// diminishing reports whether the average of the last n relative deltas is
// below diminishingCutoff.
func diminishing(samples []Sample, n int) bool {
	if len(samples) < n+1 {
		return false
	}
	recent := samples[len(samples)-n-1:]
	var deltas []float64
	for i := 1; i < len(recent); i++ {
		prev := recent[i-1].Throughput
		if prev <= 0 {
			continue
		}
		deltas = append(deltas, (recent[i].Throughput-prev)/prev)
	}
	if len(deltas) == 0 {
		return false
	}
	var sum float64
	for _, d := range deltas {
		sum += d
	}
	return sum/float64(len(deltas)) < diminishingCutoff
}
