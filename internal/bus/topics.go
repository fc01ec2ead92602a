package bus

import "time"

// Task lifecycle topics, published by the store after commit.
const (
	TopicTaskEnqueued     = "task.enqueued"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"
	TopicTaskCancelled    = "task.cancelled"
)

// Pool and scheduler topics.
const (
	TopicPoolScaled        = "pool.scaled"
	TopicScaling           = "scheduler.scaling"
	TopicPhaseTransition   = "scheduler.phase_transition"
	TopicSchedulerState    = "scheduler.state"
	TopicConfigReloaded    = "config.reloaded"
	TopicMaintenanceRunEnd = "maintenance.run_completed"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string
	SessionID string
	OldStatus string
	NewStatus string
	Priority  int
}

// TaskEnqueuedEvent is published for every newly inserted task.
type TaskEnqueuedEvent struct {
	TaskID      string
	SessionID   string
	Priority    int
	ScheduledAt time.Time
}

// PoolScaledEvent is published when the worker pool changes size.
type PoolScaledEvent struct {
	From int
	To   int
}

// ScalingEvent carries a non-maintain scheduling decision.
type ScalingEvent struct {
	Action     string
	Current    int
	Target     int
	Reason     string
	Confidence float64
	Risk       string
	At         time.Time
}

// PhaseTransitionEvent is published when the progressive scheduler advances.
type PhaseTransitionEvent struct {
	From       string
	To         string
	Throughput float64
	Elapsed    time.Duration
	At         time.Time
}

// SchedulerStateEvent is published on every top-level scheduler state change.
type SchedulerStateEvent struct {
	From string
	To   string
	Err  string
}

// MaintenanceEvent summarizes one maintenance job run.
type MaintenanceEvent struct {
	Job      string
	Affected int
	Err      string
}

// ConfigReloadedEvent is published after an edited config.yaml was applied.
type ConfigReloadedEvent struct {
	Fingerprint string
	ScaleUp     float64
	ScaleDown   float64
}
