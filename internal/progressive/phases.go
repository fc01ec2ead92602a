// Package progressive drives target concurrency through an ordered list of
// phases. Auto mode walks exploration, optimization and stabilization; the
// other modes run a single phase until the queue drains.
package progressive

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/apiforge/internal/pattern"
)

// Mode selects how the hybrid scheduler combines its sub-schedulers.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeFast  Mode = "fast"
	ModeSmart Mode = "smart"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeFast, ModeSmart:
		return m, nil
	case "":
		return ModeAuto, nil
	}
	return "", fmt.Errorf("unknown execution mode %q (want auto, fast or smart)", s)
}

// Phase names.
const (
	PhaseExploration   = "exploration"
	PhaseOptimization  = "optimization"
	PhaseStabilization = "stabilization"
	PhaseFast          = "fast_execution"
	PhaseDynamic       = "dynamic"
)

// Condition is a named exit check. Every phase also waits out its
// MinDuration before any condition is considered.
type Condition string

const (
	CondStablePerformance Condition = "stable_performance"
	CondTargetImprovement Condition = "optimal_performance_reached"
	CondDiminishing       Condition = "diminishing_returns"
	CondAllTasksDone      Condition = "all_tasks_completed"
)

// Phase is one stage of a progressive run. A zero MaxDuration means the
// phase has no upper bound.
type Phase struct {
	Name           string        `json:"name"`
	MinDuration    time.Duration `json:"min_duration"`
	MaxDuration    time.Duration `json:"max_duration,omitempty"`
	TargetWorkers  int           `json:"target_workers"`
	ExitConditions []Condition   `json:"exit_conditions"`
	// TargetImprovement is the throughput gain over the phase's first
	// sample that ends an optimization phase.
	TargetImprovement float64 `json:"target_improvement,omitempty"`
}

// Terminal reports whether the phase only ends when the queue drains.
func (p Phase) Terminal() bool {
	for _, c := range p.ExitConditions {
		if c == CondAllTasksDone {
			return true
		}
	}
	return false
}

const (
	explorationMin     = 180 * time.Second
	optimizationMin    = 300 * time.Second
	improvementTarget  = 0.20
	diminishingCutoff  = 0.02
	stabilityTolerance = 0.10
)

// BuildPhases derives the static phase list for a pattern and mode.
func BuildPhases(p pattern.APIPattern, mode Mode) []Phase {
	safe := max(p.SafeStart, 1)
	optimal := max(p.Optimal, safe)
	maxWorkers := max(p.Max, optimal)

	switch mode {
	case ModeFast:
		return []Phase{{
			Name:           PhaseFast,
			TargetWorkers:  maxWorkers,
			ExitConditions: []Condition{CondAllTasksDone},
		}}
	case ModeSmart:
		return []Phase{{
			Name:           PhaseDynamic,
			TargetWorkers:  optimal,
			ExitConditions: []Condition{CondAllTasksDone},
		}}
	}
	return []Phase{
		{
			Name:           PhaseExploration,
			MinDuration:    explorationMin,
			MaxDuration:    2 * explorationMin,
			TargetWorkers:  safe,
			ExitConditions: []Condition{CondStablePerformance},
		},
		{
			Name:              PhaseOptimization,
			MinDuration:       optimizationMin,
			MaxDuration:       2 * optimizationMin,
			TargetWorkers:     optimal,
			ExitConditions:    []Condition{CondTargetImprovement, CondDiminishing},
			TargetImprovement: improvementTarget,
		},
		{
			Name:           PhaseStabilization,
			TargetWorkers:  optimal + (maxWorkers-optimal)/2,
			ExitConditions: []Condition{CondAllTasksDone},
		},
	}
}
