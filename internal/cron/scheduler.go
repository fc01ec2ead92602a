// Package cron runs the store's maintenance jobs (retention purge and stale
// task recovery) on cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/apiforge/internal/bus"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	JobPurge   = "purge_terminal"
	JobRecover = "recover_stale"
)

// MaintenanceStore is the part of the task store the jobs use.
type MaintenanceStore interface {
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Job is one scheduled maintenance action. Run reports how many rows it
// affected.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) (int, error)
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store  MaintenanceStore
	Bus    *bus.Bus
	Logger *slog.Logger
	// Interval is how often due jobs are checked; defaults to 1 minute.
	Interval time.Duration

	PurgeSchedule   string
	RecoverSchedule string
	// Retention is the age after which terminal tasks are purged.
	Retention time.Duration
	// StaleAfter is how long a task may stay in_progress before it is
	// returned to the queue.
	StaleAfter time.Duration

	Clock func() time.Time
}

type scheduledJob struct {
	Job
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler checks its jobs on a ticker and runs each one that is due.
type Scheduler struct {
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs []*scheduledJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds the purge and recover jobs from cfg. A job whose
// schedule is empty is left out.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
		now:      now,
	}

	if cfg.PurgeSchedule != "" {
		if cfg.Retention <= 0 {
			return nil, errors.New("cron: purge job needs a positive retention")
		}
		err := s.Add(Job{
			Name: JobPurge,
			Expr: cfg.PurgeSchedule,
			Run: func(ctx context.Context) (int, error) {
				return cfg.Store.PurgeTerminal(ctx, cfg.Retention)
			},
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.RecoverSchedule != "" {
		if cfg.StaleAfter <= 0 {
			return nil, errors.New("cron: recover job needs a positive stale threshold")
		}
		err := s.Add(Job{
			Name: JobRecover,
			Expr: cfg.RecoverSchedule,
			Run: func(ctx context.Context) (int, error) {
				return cfg.Store.RecoverStale(ctx, cfg.StaleAfter)
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a job; its first run is the next match after now.
func (s *Scheduler) Add(job Job) error {
	sched, err := cronParser.Parse(job.Expr)
	if err != nil {
		return fmt.Errorf("cron: job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &scheduledJob{Job: job, schedule: sched, next: sched.Next(s.now())})
	return nil
}

// NextRuns reports each job's next run time.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for _, j := range s.jobs {
		out[j.Name] = j.next
	}
	return out
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
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

// Tick runs every due job once and schedules its next run. It returns the
// names of the jobs that ran.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	s.mu.Lock()
	var due []scheduledJob
	for _, j := range s.jobs {
		if !j.next.After(now) {
			j.next = j.schedule.Next(now)
			due = append(due, *j)
		}
	}
	s.mu.Unlock()

	ran := make([]string, 0, len(due))
	for _, j := range due {
		s.fire(ctx, j)
		ran = append(ran, j.Name)
	}
	return ran
}

func (s *Scheduler) fire(ctx context.Context, j scheduledJob) {
	affected, err := j.Run(ctx)
	ev := bus.MaintenanceEvent{Job: j.Name, Affected: affected}
	if err != nil {
		ev.Err = err.Error()
		s.logger.Error("maintenance job failed", "job", j.Name, "error", err)
	} else {
		s.logger.Info("maintenance job ran", "job", j.Name, "affected", affected, "next_run_at", j.next)
	}
	s.bus.Publish(bus.TopicMaintenanceRunEnd, ev)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
