package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/apiforge/internal/bus"
	"github.com/google/uuid"
)

// Priority orders the queue. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
	PriorityDeferred Priority = 5
)

// Priorities lists every tier in dequeue order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityDeferred}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the five tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityDeferred
}

// Demote returns the next lower tier, saturating at Deferred.
func (p Priority) Demote() Priority {
	if p >= PriorityDeferred {
		return PriorityDeferred
	}
	return p + 1
}

// ParsePriority accepts a tier name or its ordinal. Empty means Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "3":
		return PriorityNormal, nil
	case "critical", "1":
		return PriorityCritical, nil
	case "high", "2":
		return PriorityHigh, nil
	case "low", "4":
		return PriorityLow, nil
	case "deferred", "5":
		return PriorityDeferred, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 5 * time.Second
	maxRetryDelay         = time.Hour
)

type Task struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	Name           string        `json:"name,omitempty"`
	Priority       Priority      `json:"priority"`
	Status         TaskStatus    `json:"status"`
	Payload        string        `json:"payload"`
	Result         string        `json:"result,omitempty"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	Duration       time.Duration `json:"duration"`
	ErrorCount     int           `json:"error_count"`
}

// HasRetryBudget reports whether one more requeue is allowed.
func (t Task) HasRetryBudget() bool {
	return t.RetryCount < t.MaxRetries
}

// NewTask describes a task to enqueue. Zero MaxRetries means
// DefaultMaxRetries; a negative value disables retries.
type NewTask struct {
	ID             string
	SessionID      string
	Name           string
	Priority       Priority
	Payload        string
	MaxRetries     int
	RetryBaseDelay time.Duration
	// ScheduledAt defers the first dequeue. Zero means now.
	ScheduledAt time.Time
}

func (n NewTask) normalized(now time.Time) (NewTask, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SessionID == "" {
		return n, errors.New("session_id is required")
	}
	if n.Priority == 0 {
		n.Priority = PriorityNormal
	}
	if !n.Priority.Valid() {
		return n, fmt.Errorf("invalid priority %d", int(n.Priority))
	}
	switch {
	case n.MaxRetries == 0:
		n.MaxRetries = DefaultMaxRetries
	case n.MaxRetries < 0:
		n.MaxRetries = 0
	}
	if n.RetryBaseDelay <= 0 {
		n.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if n.ScheduledAt.IsZero() {
		n.ScheduledAt = now
	}
	return n, nil
}

// RetryDelay returns base × 2^retryCount, or retryAfter when the remote side
// suggested one. The result is non-decreasing in retryCount and capped at an
// hour.
func RetryDelay(base time.Duration, retryCount int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > maxRetryDelay {
			return maxRetryDelay
		}
		return retryAfter
	}
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// Enqueue inserts a pending task and its queue row in one transaction.
func (s *Store) Enqueue(ctx context.Context, nt NewTask) (*Task, error) {
	tasks, err := s.EnqueueBatch(ctx, []NewTask{nt})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// EnqueueBatch inserts all tasks atomically; a duplicate id anywhere in the
// batch aborts the whole batch with ErrDuplicateTask.
func (s *Store) EnqueueBatch(ctx context.Context, batch []NewTask) ([]*Task, error) {
	out, _, err := s.enqueue(ctx, batch, false)
	return out, err
}

// EnqueueMissing inserts the tasks whose id is not stored yet, in one
// transaction, and reports how many were skipped as already present.
func (s *Store) EnqueueMissing(ctx context.Context, batch []NewTask) ([]*Task, int, error) {
	return s.enqueue(ctx, batch, true)
}

func (s *Store) enqueue(ctx context.Context, batch []NewTask, skipExisting bool) ([]*Task, int, error) {
	if len(batch) == 0 {
		return nil, 0, nil
	}
	now := s.now().UTC()
	normalized := make([]NewTask, len(batch))
	for i, nt := range batch {
		n, err := nt.normalized(now)
		if err != nil {
			return nil, 0, fmt.Errorf("enqueue task %d: %w", i, err)
		}
		normalized[i] = n
	}

	var (
		out     []*Task
		skipped int
	)
	err := retryOnBusy(ctx, 5, func() error {
		out = out[:0]
		skipped = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, n := range normalized {
			if err := s.ensureSessionTx(ctx, tx, n.SessionID); err != nil {
				return err
			}
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, n.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check duplicate task: %w", err)
			}
			if exists > 0 {
				if skipExisting {
					skipped++
					continue
				}
				return fmt.Errorf("%w: %s", ErrDuplicateTask, n.ID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, session_id, name, priority, status, payload, max_retries,
					retry_base_delay_ms, scheduled_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, n.ID, n.SessionID, n.Name, n.Priority, TaskStatusPending, n.Payload, n.MaxRetries,
				n.RetryBaseDelay.Milliseconds(), toMillis(n.ScheduledAt), toMillis(now), toMillis(now)); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_queue (task_id, priority, scheduled_at) VALUES (?, ?, ?);
			`, n.ID, n.Priority, toMillis(n.ScheduledAt)); err != nil {
				return fmt.Errorf("insert queue row: %w", err)
			}
			if err := s.appendTaskEventTx(ctx, tx, n.ID, n.SessionID, "", TaskStatusPending, "task.enqueued", ""); err != nil {
				return err
			}
			if err := s.bumpProgressTx(ctx, tx, n.SessionID, progressDelta{total: 1, pending: 1}); err != nil {
				return err
			}
			out = append(out, &Task{
				ID:             n.ID,
				SessionID:      n.SessionID,
				Name:           n.Name,
				Priority:       n.Priority,
				Status:         TaskStatusPending,
				Payload:        n.Payload,
				MaxRetries:     n.MaxRetries,
				RetryBaseDelay: n.RetryBaseDelay.Truncate(time.Millisecond),
				ScheduledAt:    fromMillis(toMillis(n.ScheduledAt)),
				CreatedAt:      fromMillis(toMillis(now)),
				UpdatedAt:      fromMillis(toMillis(now)),
			})
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	for _, t := range out {
		s.bus.Publish(bus.TopicTaskEnqueued, bus.TaskEnqueuedEvent{
			TaskID:      t.ID,
			SessionID:   t.SessionID,
			Priority:    int(t.Priority),
			ScheduledAt: t.ScheduledAt,
		})
	}
	if len(out) > 0 {
		s.signalWork()
	}
	return out, skipped, nil
}

// Dequeue claims the most urgent ready task, or returns (nil, nil) when none
// is ready. sessionFilter restricts the claim to one session when non-empty.
func (s *Store) Dequeue(ctx context.Context, sessionFilter string) (*Task, error) {
	var claimed *Task
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dequeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.now()
		query := `
			SELECT ` + taskColumns + `
			FROM task_queue q
			JOIN tasks t ON t.id = q.task_id
			WHERE t.status IN (?, ?) AND q.scheduled_at <= ?`
		args := []any{TaskStatusPending, TaskStatusRetrying, toMillis(now)}
		if sessionFilter != "" {
			query += ` AND t.session_id = ?`
			args = append(args, sessionFilter)
		}
		query += ` ORDER BY q.priority ASC, q.scheduled_at ASC, q.id ASC LIMIT 1;`

		var task Task
		if err := scanTask(tx.QueryRowContext(ctx, query, args...).Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select next task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?;`, task.ID); err != nil {
			return fmt.Errorf("delete queue row: %w", err)
		}
		prev, _, err := s.transitionTaskTx(ctx, tx, task.ID,
			[]TaskStatus{TaskStatusPending, TaskStatusRetrying}, TaskStatusInProgress,
			"task.started", "")
		if err != nil {
			return err
		}
		startedAt := fromMillis(toMillis(now))
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET started_at = ? WHERE id = ?;
		`, toMillis(startedAt), task.ID); err != nil {
			return fmt.Errorf("stamp started_at: %w", err)
		}
		if err := s.bumpProgressTx(ctx, tx, task.SessionID, progressDelta{pending: -1, processing: 1}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dequeue tx: %w", err)
		}
		task.Status = TaskStatusInProgress
		task.StartedAt = &startedAt
		task.UpdatedAt = startedAt
		from = prev
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition("", claimed, from)
	return claimed, nil
}

// DequeueWait blocks up to timeout for a ready task. It wakes on enqueue or
// requeue signals and when the earliest delayed task becomes due.
func (s *Store) DequeueWait(ctx context.Context, sessionFilter string, timeout time.Duration) (*Task, error) {
	const maxSlice = time.Second
	deadline := time.Now().Add(timeout)
	for {
		signal := s.workSignal()
		task, err := s.Dequeue(ctx, sessionFilter)
		if err != nil || task != nil {
			return task, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(remaining, maxSlice)
		if next, ok, err := s.nextScheduledAt(ctx, sessionFilter); err == nil && ok {
			if until := next.Sub(s.now()); until > 0 && until < wait {
				wait = until
			} else if until <= 0 {
				wait = 10 * time.Millisecond
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Store) nextScheduledAt(ctx context.Context, sessionFilter string) (time.Time, bool, error) {
	query := `SELECT MIN(q.scheduled_at) FROM task_queue q`
	var args []any
	if sessionFilter != "" {
		query += ` JOIN tasks t ON t.id = q.task_id WHERE t.session_id = ?`
		args = append(args, sessionFilter)
	}
	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&next); err != nil {
		return time.Time{}, false, fmt.Errorf("select next scheduled_at: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(next.Int64), true, nil
}

// Requeue schedules an in-progress task for another attempt after delay,
// demoting it one priority tier. It fails with ErrRetryBudgetExhausted and
// changes nothing when the task has no retries left.
func (s *Store) Requeue(ctx context.Context, taskID string, delay time.Duration, errMsg string) (*Task, error) {
	if delay < 0 {
		delay = 0
	}
	var updated *Task
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		updated = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == TaskStatusInProgress && !task.HasRetryBudget() {
			return fmt.Errorf("%w: %s attempted %d of %d retries", ErrRetryBudgetExhausted, taskID, task.RetryCount, task.MaxRetries)
		}
		payload, _ := json.Marshal(map[string]any{"delay_ms": delay.Milliseconds(), "error": errMsg})
		prev, _, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusRetrying, "task.retrying", string(payload))
		if err != nil {
			return err
		}

		now := s.now()
		scheduledAt := now.Add(delay)
		demoted := task.Priority.Demote()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET retry_count = retry_count + 1,
				error_count = error_count + 1,
				priority = ?,
				scheduled_at = ?,
				last_error = ?
			WHERE id = ?;
		`, demoted, toMillis(scheduledAt), errMsg, taskID); err != nil {
			return fmt.Errorf("update retry state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_queue (task_id, priority, scheduled_at) VALUES (?, ?, ?);
		`, taskID, demoted, toMillis(scheduledAt)); err != nil {
			return fmt.Errorf("insert retry queue row: %w", err)
		}
		if err := s.recordErrorTx(ctx, tx, taskID, task.RetryCount+1, errMsg, false); err != nil {
			return err
		}
		if err := s.bumpProgressTx(ctx, tx, task.SessionID, progressDelta{processing: -1, pending: 1}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit requeue tx: %w", err)
		}

		task.Status = TaskStatusRetrying
		task.RetryCount++
		task.ErrorCount++
		task.Priority = demoted
		task.ScheduledAt = fromMillis(toMillis(scheduledAt))
		task.LastError = errMsg
		from = prev
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition(bus.TopicTaskRetrying, updated, from)
	s.signalWork()
	return updated, nil
}

// Complete marks an in-progress task completed and stores its result.
func (s *Store) Complete(ctx context.Context, taskID, result string) error {
	var done *Task
	err := retryOnBusy(ctx, 5, func() error {
		done = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if _, _, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusCompleted, "task.completed", ""); err != nil {
			return err
		}
		now := s.now()
		duration := runDuration(task, now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET result = ?, completed_at = ?, duration_ms = ? WHERE id = ?;
		`, result, toMillis(now), duration.Milliseconds(), taskID); err != nil {
			return fmt.Errorf("update completion: %w", err)
		}
		if err := s.bumpProgressTx(ctx, tx, task.SessionID, progressDelta{processing: -1, completed: 1}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit complete tx: %w", err)
		}
		task.Status = TaskStatusCompleted
		task.Result = result
		task.Duration = duration
		done = task
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTransition(bus.TopicTaskCompleted, done, TaskStatusInProgress)
	return nil
}

// Fail marks an in-progress task failed and appends errMsg to its error log.
// permanent records whether the processor classified the failure as
// non-retryable.
func (s *Store) Fail(ctx context.Context, taskID, errMsg string, permanent bool) error {
	var failed *Task
	err := retryOnBusy(ctx, 5, func() error {
		failed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"error": errMsg, "permanent": permanent})
		if _, _, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusFailed, "task.failed", string(payload)); err != nil {
			return err
		}
		now := s.now()
		duration := runDuration(task, now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET last_error = ?, completed_at = ?, duration_ms = ?, error_count = error_count + 1
			WHERE id = ?;
		`, errMsg, toMillis(now), duration.Milliseconds(), taskID); err != nil {
			return fmt.Errorf("update failure: %w", err)
		}
		if err := s.recordErrorTx(ctx, tx, taskID, task.RetryCount+1, errMsg, permanent); err != nil {
			return err
		}
		if err := s.bumpProgressTx(ctx, tx, task.SessionID, progressDelta{processing: -1, failed: 1}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit fail tx: %w", err)
		}
		task.Status = TaskStatusFailed
		task.LastError = errMsg
		task.ErrorCount++
		task.Duration = duration
		failed = task
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTransition(bus.TopicTaskFailed, failed, TaskStatusInProgress)
	return nil
}

// Cancel removes a queued task. Only pending and retrying tasks can be
// cancelled; anything else yields ErrInvalidTransition.
func (s *Store) Cancel(ctx context.Context, taskID string) error {
	var cancelled *Task
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		cancelled = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		prev, _, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusPending, TaskStatusRetrying}, TaskStatusCancelled, "task.cancelled", "")
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete queue row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET completed_at = ? WHERE id = ?;`, toMillis(now), taskID); err != nil {
			return fmt.Errorf("stamp cancellation: %w", err)
		}
		if err := s.bumpProgressTx(ctx, tx, task.SessionID, progressDelta{pending: -1, cancelled: 1}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cancel tx: %w", err)
		}
		task.Status = TaskStatusCancelled
		from = prev
		cancelled = task
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTransition(bus.TopicTaskCancelled, cancelled, from)
	return nil
}

// Peek returns up to limit queued tasks in dequeue order without claiming
// them. Delayed tasks are included.
func (s *Store) Peek(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM task_queue q
		JOIN tasks t ON t.id = q.task_id
		ORDER BY q.priority ASC, q.scheduled_at ASC, q.id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks. Zero fields are ignored.
type TaskFilter struct {
	SessionID string
	Status    TaskStatus
	Limit     int
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t WHERE 1 = 1`
	var args []any
	if f.SessionID != "" {
		query += ` AND t.session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += ` AND t.status = ?`
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY t.created_at DESC, t.id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// TaskEvent is one row of a task's transition log.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id"`
	EventType string    `json:"event_type"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskEvents returns the transition log of a task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, session_id, trace_id, event_type, COALESCE(state_from, ''), state_to, payload, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var created int64
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.SessionID, &ev.TraceID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TaskError is one recorded failed attempt.
type TaskError struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Permanent bool      `json:"permanent"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) TaskErrors(ctx context.Context, taskID string) ([]TaskError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt, error, permanent, created_at
		FROM task_errors
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task errors: %w", err)
	}
	defer rows.Close()

	var out []TaskError
	for rows.Next() {
		var te TaskError
		var created int64
		if err := rows.Scan(&te.Attempt, &te.Error, &te.Permanent, &created); err != nil {
			return nil, fmt.Errorf("scan task error: %w", err)
		}
		te.CreatedAt = fromMillis(created)
		out = append(out, te)
	}
	return out, rows.Err()
}

// releaseTx puts an in-progress task straight back on the queue at its
// current priority without touching retry_count.
func (s *Store) releaseTx(ctx context.Context, tx *sql.Tx, t *Task, eventType, reason string) error {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if _, _, err := s.transitionTaskTx(ctx, tx, t.ID,
		[]TaskStatus{TaskStatusInProgress}, TaskStatusRetrying, eventType, string(payload)); err != nil {
		return err
	}
	now := toMillis(s.now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET scheduled_at = ?, started_at = NULL WHERE id = ?;
	`, now, t.ID); err != nil {
		return fmt.Errorf("reset released task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_queue (task_id, priority, scheduled_at) VALUES (?, ?, ?);
	`, t.ID, t.Priority, now); err != nil {
		return fmt.Errorf("queue released task: %w", err)
	}
	if err := s.bumpProgressTx(ctx, tx, t.SessionID, progressDelta{processing: -1, pending: 1}); err != nil {
		return err
	}
	t.Status = TaskStatusRetrying
	t.StartedAt = nil
	t.ScheduledAt = fromMillis(now)
	return nil
}

// Release returns an in-progress task to the queue because its worker was
// stopped, not because it failed. The attempt does not count against the
// retry budget.
func (s *Store) Release(ctx context.Context, taskID, reason string) error {
	var released *Task
	err := retryOnBusy(ctx, 5, func() error {
		released = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := s.releaseTx(ctx, tx, task, "task.released", reason); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit release tx: %w", err)
		}
		released = task
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTransition(bus.TopicTaskRetrying, released, TaskStatusInProgress)
	s.signalWork()
	return nil
}

// RecoverInProgress returns tasks left in_progress by a crashed process to
// the queue as retrying. The interrupted attempt does not consume retry
// budget.
func (s *Store) RecoverInProgress(ctx context.Context) (int, error) {
	return s.recoverTasks(ctx, 0, "startup_recovery")
}

// RecoverStale is RecoverInProgress limited to tasks started more than
// olderThan ago. It is safe to run beside live workers as long as olderThan
// exceeds the task timeout.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("recover stale: olderThan must be positive, got %s", olderThan)
	}
	return s.recoverTasks(ctx, toMillis(s.now().Add(-olderThan)), "stale_recovery")
}

// recoverTasks releases in_progress tasks; a positive cutoff limits it to tasks
// started before that instant.
func (s *Store) recoverTasks(ctx context.Context, cutoff int64, reason string) (int, error) {
	var recovered []*Task
	err := retryOnBusy(ctx, 5, func() error {
		recovered = recovered[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recover tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `SELECT ` + taskColumns + ` FROM tasks t WHERE t.status = ?`
		args := []any{TaskStatusInProgress}
		if cutoff > 0 {
			query += ` AND t.started_at < ?`
			args = append(args, cutoff)
		}
		rows, err := tx.QueryContext(ctx, query+`;`, args...)
		if err != nil {
			return fmt.Errorf("query in-progress tasks: %w", err)
		}
		tasks, err := collectTasks(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for i := range tasks {
			t := &tasks[i]
			if err := s.releaseTx(ctx, tx, t, "task.recovered", reason); err != nil {
				return err
			}
			recovered = append(recovered, t)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit recover tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, t := range recovered {
		s.publishTransition(bus.TopicTaskRetrying, t, TaskStatusInProgress)
	}
	if len(recovered) > 0 {
		s.signalWork()
	}
	return len(recovered), nil
}

// PurgeTerminal deletes completed, failed and cancelled tasks last updated
// before now-olderThan, along with their events and errors. Session
// counters are left untouched.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := toMillis(s.now().Add(-olderThan))
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?, ?) AND updated_at < ?;
		`, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, cutoff)
		if err != nil {
			return fmt.Errorf("purge terminal tasks: %w", err)
		}
		purged, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("purge rows affected: %w", err)
		}
		return nil
	})
	return int(purged), err
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	var task Task
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (s *Store) recordErrorTx(ctx context.Context, tx *sql.Tx, taskID string, attempt int, errMsg string, permanent bool) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_errors (task_id, attempt, error, permanent, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, attempt, errMsg, permanent, toMillis(s.now())); err != nil {
		return fmt.Errorf("insert task error: %w", err)
	}
	return nil
}

func runDuration(t *Task, now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	d := now.Sub(*t.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}
