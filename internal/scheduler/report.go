package scheduler

import (
	"context"
	"math"
	"time"

	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/progressive"
	"github.com/basket/apiforge/internal/scaler"
)

const (
	reportRecentDecisions = 10
	reportCountsTimeout   = 2 * time.Second
)

// Report summarizes a run.
type Report struct {
	SessionID     string           `json:"session_id"`
	Mode          progressive.Mode `json:"execution_mode"`
	State         State            `json:"state"`
	Pattern       string           `json:"api_pattern,omitempty"`
	Complexity    string           `json:"complexity,omitempty"`
	StartedAt     time.Time        `json:"start_time"`
	EndedAt       time.Time        `json:"end_time,omitempty"`
	Duration      time.Duration    `json:"total_execution_time"`
	TotalTasks    int              `json:"total_endpoints"`
	Completed     int64            `json:"completed_endpoints"`
	Failed        int64            `json:"failed_endpoints"`
	Processed     int64            `json:"processed_this_run"`
	Retried       int64            `json:"retried_attempts"`
	Cancelled     int64            `json:"cancelled"`
	PeakWorkers   int              `json:"peak_workers"`
	AvgUtil       float64          `json:"worker_utilization_avg"`
	ScalingEvents int              `json:"total_scaling_events"`

	// RecommendedWorkers is the pattern's optimal worker count and
	// AvgWorkers the tick-averaged pool size; Variance is their relative
	// difference.
	RecommendedWorkers int                       `json:"recommended_workers"`
	AvgWorkers         float64                   `json:"avg_actual_workers"`
	Variance           float64                   `json:"recommended_vs_actual_variance"`
	ThroughputPerMin   float64                   `json:"throughput_endpoints_per_minute"`
	AvgTaskTime        time.Duration             `json:"avg_endpoint_processing_time"`
	RecentDecisions    []scaler.Decision         `json:"scheduling_decisions"`
	Phases             []progressive.PhaseRecord `json:"phase_history,omitempty"`
}

// GenerateReport builds the run report from the recorded tick history. It
// may be called while running; the end time is then the current time.
// Completed and Failed are session totals taken from the store, so a
// resumed session still reports the failures of earlier runs. Processed
// and the throughput figures cover this run only.
func (s *Scheduler) GenerateReport() Report {
	ctx, cancel := context.WithTimeout(context.Background(), reportCountsTimeout)
	counts, countsErr := s.cfg.Store.StatusCounts(ctx, s.cfg.SessionID)
	cancel()
	if countsErr != nil {
		s.logger.Warn("report: status counts", "error", countsErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{
		SessionID:       s.cfg.SessionID,
		Mode:            s.cfg.Mode,
		State:           s.state,
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
		TotalTasks:      s.endpoints,
		ScalingEvents:   s.scaling,
		RecentDecisions: s.decisions.Tail(reportRecentDecisions),
	}
	if s.pattern != nil {
		r.Pattern = s.pattern.Name
		r.Complexity = s.pattern.Complexity.Level.String()
		r.RecommendedWorkers = s.pattern.Optimal
	}
	if s.prog != nil {
		r.Phases = s.prog.History()
	}

	end := s.endedAt
	if end.IsZero() {
		end = s.now()
	}
	if !s.startedAt.IsZero() {
		r.Duration = end.Sub(s.startedAt)
	}

	samples := s.samples.Slice()
	if n := len(samples); n > 0 {
		last := samples[n-1]
		r.Completed, r.Failed = last.Completed, last.Failed
	}
	if s.state == StateStopped && s.pool != nil {
		r.Completed, r.Failed = s.result.Processed, s.result.Failed
	}
	r.Processed = r.Completed
	if countsErr == nil {
		r.Completed = int64(counts[persistence.TaskStatusCompleted])
		r.Failed = int64(counts[persistence.TaskStatusFailed])
	}
	r.Retried, r.Cancelled = s.result.Retried, s.result.Cancelled

	var workerSum, utilSum float64
	var utilCount int
	for _, smp := range samples {
		r.PeakWorkers = max(r.PeakWorkers, smp.Workers)
		workerSum += float64(smp.Workers)
		if smp.Workers > 0 {
			utilSum += smp.Utilization
			utilCount++
		}
	}
	if len(samples) > 0 {
		r.AvgWorkers = workerSum / float64(len(samples))
	}
	if utilCount > 0 {
		r.AvgUtil = utilSum / float64(utilCount)
	}
	if r.RecommendedWorkers > 0 {
		rec := float64(r.RecommendedWorkers)
		r.Variance = math.Abs(rec-r.AvgWorkers) / rec
	}
	if r.Duration > 0 && r.Processed > 0 {
		r.ThroughputPerMin = float64(r.Processed) / r.Duration.Minutes()
		r.AvgTaskTime = r.Duration / time.Duration(r.Processed)
	}
	return r
}
