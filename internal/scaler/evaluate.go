package scaler

import (
	"context"
	"fmt"
	"math"
	"time"
)

// QueuePressure blends backlog-to-capacity with the projected drain time
// against a five minute target. The result is in [0, 1].
func QueuePressure(pending, workers int, completionsPerSec float64) float64 {
	if pending <= 0 {
		return 0
	}
	capacity := float64(max(workers, 1)) * perWorkerCapacity
	usage := math.Min(float64(pending)/capacity, 1)

	timePressure := 1.0
	if completionsPerSec > 0 {
		drainMinutes := float64(pending) / (completionsPerSec * 60)
		timePressure = math.Min(drainMinutes/drainTarget.Minutes(), 1)
	}
	return (usage + timePressure) / 2
}

// resourceCheck is the outcome of comparing a sample against the ceilings.
type resourceCheck struct {
	limited bool
	reasons []string
}

func (s *Scaler) checkResources(sample ResourceSample) resourceCheck {
	var rc resourceCheck
	if sample.CPUPercent > s.cpuCeiling {
		rc.limited = true
		rc.reasons = append(rc.reasons, fmt.Sprintf("CPU usage %.1f%% > %.0f%%", sample.CPUPercent, s.cpuCeiling))
	}
	if sample.AvailableMemoryMB > 0 && sample.AvailableMemoryMB < s.memoryFloorMB {
		rc.limited = true
		rc.reasons = append(rc.reasons, fmt.Sprintf("available memory %.0fMB < %.0fMB", sample.AvailableMemoryMB, s.memoryFloorMB))
	}
	return rc
}

// Evaluate produces one decision. It reads host resources through the
// sampler but never touches the pool; callers apply it with Execute.
func (s *Scaler) Evaluate(ctx context.Context, m QueueMetrics) Decision {
	if m.At.IsZero() {
		m.At = s.now()
	}

	var rc resourceCheck
	if s.sampler != nil {
		sample, err := s.sampler.Sample(ctx)
		if err != nil {
			s.logger.Warn("resource sample failed", "error", err)
			rc.reasons = append(rc.reasons, "resource sample unavailable: "+err.Error())
		} else {
			s.mu.Lock()
			s.resourceSample.Push(sample)
			s.mu.Unlock()
			rc = s.checkResources(sample)
		}
	}

	s.mu.Lock()
	rate := 0.0
	if prev := s.lastMetrics; prev != nil {
		if dt := m.At.Sub(prev.At).Seconds(); dt > 0 && m.CompletedTotal >= prev.CompletedTotal {
			rate = float64(m.CompletedTotal-prev.CompletedTotal) / dt
		}
	}
	cur := m
	s.lastMetrics = &cur
	s.mu.Unlock()

	pressure := QueuePressure(m.PendingTasks, m.ActiveWorkers, rate)
	d := s.decide(m.ActiveWorkers, pressure, rc, m.At)
	s.logger.Debug("scaling evaluated",
		"action", d.Action, "current", d.Current, "target", d.Target,
		"pressure", pressure, "completion_rate", rate, "resource_limited", rc.limited)
	return d
}

// decide is the pure decision rule. Cooldown and damping apply before
// pressure so no two actions land inside one window.
func (s *Scaler) decide(current int, pressure float64, rc resourceCheck, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	maintain := func(reason string) Decision {
		d := Maintain(current, 0.95, reason, now)
		d.Pressure = pressure
		d.ResourceLimited = rc.limited
		d.Issues = rc.reasons
		d.Source = "dynamic"
		return d
	}

	if !s.lastActionAt.IsZero() && now.Sub(s.lastActionAt) < s.cooldown {
		return maintain("in cooldown period")
	}

	var d Decision
	switch {
	case pressure > s.upThreshold && !rc.limited && current < s.maxWorkers:
		step := 1
		if pressure > 0.9 {
			step = 2
		}
		target := min(current+step, s.maxWorkers)
		risk := RiskLow
		if target-current > 1 {
			risk = RiskMedium
		}
		d = Decision{
			Action:     ActionScaleUp,
			Current:    current,
			Target:     target,
			Reason:     fmt.Sprintf("high queue pressure (%.2f)", pressure),
			Confidence: 0.8,
			Risk:       risk,
		}
	case pressure > s.upThreshold && rc.limited:
		return maintain(fmt.Sprintf("queue pressure %.2f but resources constrained", pressure))
	case pressure < s.downThreshold && current > s.minWorkers:
		confidence := 0.7
		if pressure < 0.1 {
			confidence = 0.9
		}
		d = Decision{
			Action:     ActionScaleDown,
			Current:    current,
			Target:     max(current-1, s.minWorkers),
			Reason:     fmt.Sprintf("low queue pressure (%.2f)", pressure),
			Confidence: confidence,
			Risk:       RiskLow,
		}
	default:
		return maintain(fmt.Sprintf("queue pressure %.2f within thresholds", pressure))
	}

	if s.damped(d.Action, now) {
		return maintain(fmt.Sprintf("damping %s after %d consecutive %s actions", d.Action, s.consecutive, s.lastAction))
	}

	d.Pressure = pressure
	d.ResourceLimited = rc.limited
	d.Issues = rc.reasons
	d.Source = "dynamic"
	d.At = now
	return d
}

// damped doubles the cooldown for a reversal or for a run of
// same-direction actions that reached maxConsecutive.
func (s *Scaler) damped(next Action, now time.Time) bool {
	if s.lastActionAt.IsZero() {
		return false
	}
	extended := now.Sub(s.lastActionAt) < 2*s.cooldown
	if !extended {
		return false
	}
	if next.Opposes(s.lastAction) {
		return true
	}
	return next == s.lastAction && s.consecutive >= s.maxConsecutive
}
