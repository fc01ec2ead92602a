package scheduler

import (
	"time"

	"github.com/basket/apiforge/internal/pattern"
	"github.com/basket/apiforge/internal/progressive"
	"github.com/basket/apiforge/internal/shared"
)

// ExecutionStrategy is the worker bounds and control-loop tuning derived
// from a pattern and a mode.
type ExecutionStrategy struct {
	Mode               progressive.Mode `json:"mode"`
	InitialWorkers     int              `json:"initial_workers"`
	MinWorkers         int              `json:"min_workers"`
	MaxWorkers         int              `json:"max_workers"`
	ScaleUpThreshold   float64          `json:"scale_up_threshold"`
	ScaleDownThreshold float64          `json:"scale_down_threshold"`
	MonitoringInterval time.Duration    `json:"monitoring_interval"`
	Cooldown           time.Duration    `json:"cooldown"`
	Progressive        bool             `json:"progressive_phases"`
	AutoScaling        bool             `json:"auto_scaling"`
}

// Overrides replace strategy defaults when non-zero. A negative Cooldown
// disables the cooldown.
type Overrides struct {
	MinWorkers         int
	MaxWorkers         int
	InitialWorkers     int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	MonitoringInterval time.Duration
	Cooldown           time.Duration
}

const defaultCooldown = 60 * time.Second

// BuildStrategy derives the strategy for p under mode and applies o.
func BuildStrategy(p pattern.APIPattern, mode progressive.Mode, o Overrides) (ExecutionStrategy, error) {
	st := ExecutionStrategy{
		Mode:        mode,
		MinWorkers:  1,
		MaxWorkers:  max(p.Max, 1),
		Cooldown:    defaultCooldown,
		AutoScaling: true,
	}
	switch mode {
	case progressive.ModeFast:
		st.InitialWorkers = st.MaxWorkers
		st.ScaleUpThreshold, st.ScaleDownThreshold = 0.8, 0.2
		st.MonitoringInterval = 15 * time.Second
	case progressive.ModeSmart:
		st.InitialWorkers = max(p.SafeStart, 1)
		st.ScaleUpThreshold, st.ScaleDownThreshold = 0.6, 0.3
		st.MonitoringInterval = 20 * time.Second
	case progressive.ModeAuto:
		st.InitialWorkers = max(p.SafeStart, 1)
		st.ScaleUpThreshold, st.ScaleDownThreshold = 0.7, 0.3
		st.MonitoringInterval = 30 * time.Second
		st.Progressive = true
		if p.HasRisk(pattern.RiskHighComplexity) {
			st.ScaleUpThreshold, st.ScaleDownThreshold = 0.6, 0.4
		}
	default:
		return ExecutionStrategy{}, shared.NewConfigError("execution_mode", "unknown mode %q", mode)
	}

	if o.MinWorkers > 0 {
		st.MinWorkers = o.MinWorkers
	}
	if o.MaxWorkers > 0 {
		st.MaxWorkers = o.MaxWorkers
	}
	if o.InitialWorkers > 0 {
		st.InitialWorkers = o.InitialWorkers
	}
	if o.ScaleUpThreshold > 0 {
		st.ScaleUpThreshold = o.ScaleUpThreshold
	}
	if o.ScaleDownThreshold > 0 {
		st.ScaleDownThreshold = o.ScaleDownThreshold
	}
	if o.MonitoringInterval > 0 {
		st.MonitoringInterval = o.MonitoringInterval
	}
	switch {
	case o.Cooldown > 0:
		st.Cooldown = o.Cooldown
	case o.Cooldown < 0:
		st.Cooldown = 0
	}

	if st.MinWorkers > st.MaxWorkers {
		return ExecutionStrategy{}, shared.NewConfigError("max_workers", "must be >= min_workers (%d), got %d", st.MinWorkers, st.MaxWorkers)
	}
	if st.ScaleDownThreshold >= st.ScaleUpThreshold {
		return ExecutionStrategy{}, shared.NewConfigError("scale_down_threshold",
			"must be below scale_up_threshold (%.2f), got %.2f", st.ScaleUpThreshold, st.ScaleDownThreshold)
	}
	st.InitialWorkers = min(max(st.InitialWorkers, st.MinWorkers), st.MaxWorkers)
	return st, nil
}
