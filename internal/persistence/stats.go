package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TierStats describes the queued tasks of one priority tier.
type TierStats struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// QueueStats is a point-in-time view of the queue index.
type QueueStats struct {
	Total       int                    `json:"total"`
	ByPriority  map[Priority]TierStats `json:"by_priority"`
	Delayed     int                    `json:"delayed"`
	Ready       int                    `json:"ready"`
	AverageWait time.Duration          `json:"average_wait"`
}

// Stats summarizes the queue. sessionFilter restricts it to one session when
// non-empty. Wait time is measured from task creation.
func (s *Store) Stats(ctx context.Context, sessionFilter string) (QueueStats, error) {
	now := toMillis(s.now())
	stats := QueueStats{ByPriority: make(map[Priority]TierStats, len(Priorities))}

	where := ""
	var args []any
	if sessionFilter != "" {
		where = ` WHERE t.session_id = ?`
		args = append(args, sessionFilter)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT q.priority, COUNT(1), MIN(q.scheduled_at), MAX(q.scheduled_at)
		FROM task_queue q
		JOIN tasks t ON t.id = q.task_id`+where+`
		GROUP BY q.priority;
	`, args...)
	if err != nil {
		return stats, fmt.Errorf("queue tier stats: %w", err)
	}
	for rows.Next() {
		var p Priority
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&p, &count, &oldest, &newest); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan tier stats: %w", err)
		}
		tier := TierStats{Count: count}
		if oldest.Valid {
			tier.Oldest = fromMillis(oldest.Int64)
		}
		if newest.Valid {
			tier.Newest = fromMillis(newest.Int64)
		}
		stats.ByPriority[p] = tier
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, fmt.Errorf("iterate tier stats: %w", err)
	}
	rows.Close()

	var delayed sql.NullInt64
	var avgWait sql.NullFloat64
	aggArgs := append([]any{now, now}, args...)
	if err := s.db.QueryRowContext(ctx, `
		SELECT SUM(CASE WHEN q.scheduled_at > ? THEN 1 ELSE 0 END),
			AVG(? - t.created_at)
		FROM task_queue q
		JOIN tasks t ON t.id = q.task_id`+where+`;
	`, aggArgs...).Scan(&delayed, &avgWait); err != nil {
		return stats, fmt.Errorf("queue wait stats: %w", err)
	}
	if delayed.Valid {
		stats.Delayed = int(delayed.Int64)
	}
	stats.Ready = stats.Total - stats.Delayed
	if avgWait.Valid && avgWait.Float64 > 0 {
		stats.AverageWait = time.Duration(avgWait.Float64 * float64(time.Millisecond))
	}
	return stats, nil
}

// StatusCounts returns the number of tasks per status. sessionFilter
// restricts it to one session when non-empty.
func (s *Store) StatusCounts(ctx context.Context, sessionFilter string) (map[TaskStatus]int, error) {
	query := `SELECT status, COUNT(1) FROM tasks`
	var args []any
	if sessionFilter != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionFilter)
	}
	query += ` GROUP BY status;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// QueueDepth counts queued tasks, ready or delayed.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
