package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle of a run.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Progress holds the aggregate counters of one session. They move in the
// same transaction as the task row that caused the change.
type Progress struct {
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	Processing int       `json:"processing"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Done reports whether nothing is left to run.
func (p Progress) Done() bool {
	return p.Pending == 0 && p.Processing == 0
}

type Session struct {
	ID        string          `json:"id"`
	Status    SessionStatus   `json:"status"`
	Config    json.RawMessage `json:"config"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Progress  Progress        `json:"progress"`
}

// SessionConfig seeds a new session. Config and Metadata are stored as
// opaque JSON.
type SessionConfig struct {
	ID       string
	Config   any
	Metadata any
}

type progressDelta struct {
	total, pending, processing, completed, failed, cancelled int
}

func (s *Store) ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	now := toMillis(s.now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING;
	`, sessionID, now, now); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO progress (session_id, updated_at)
		VALUES (?, ?)
		ON CONFLICT(session_id) DO NOTHING;
	`, sessionID, now); err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

func (s *Store) bumpProgressTx(ctx context.Context, tx *sql.Tx, sessionID string, d progressDelta) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE progress
		SET total = total + ?,
			pending = MAX(pending + ?, 0),
			processing = MAX(processing + ?, 0),
			completed = completed + ?,
			failed = failed + ?,
			cancelled = cancelled + ?,
			updated_at = ?
		WHERE session_id = ?;
	`, d.total, d.pending, d.processing, d.completed, d.failed, d.cancelled, toMillis(s.now()), sessionID)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s has no progress row", ErrSessionNotFound, sessionID)
	}
	return nil
}

// CreateSession inserts a session with empty counters. An empty ID gets a
// fresh uuid.
func (s *Store) CreateSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	configJSON, err := marshalBlob(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("encode session config: %w", err)
	}
	metaJSON, err := marshalBlob(cfg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode session metadata: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.ensureSessionTx(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET config = ?, metadata = ?, updated_at = ? WHERE id = ?;
		`, configJSON, metaJSON, toMillis(s.now()), id); err != nil {
			return fmt.Errorf("store session config: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// GetSession loads a session with its progress counters.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionQuery+` WHERE s.id = ?;`, sessionID)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recently created sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, sessionQuery+` ORDER BY s.created_at DESC, s.id ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// Progress returns just the counters of a session.
func (s *Store) Progress(ctx context.Context, sessionID string) (Progress, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	return sess.Progress, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?;
		`, status, toMillis(s.now()), sessionID)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil
	})
}

const sessionQuery = `
	SELECT s.id, s.status, s.config, s.metadata, s.created_at, s.updated_at,
		COALESCE(p.total, 0), COALESCE(p.pending, 0), COALESCE(p.processing, 0),
		COALESCE(p.completed, 0), COALESCE(p.failed, 0), COALESCE(p.cancelled, 0),
		COALESCE(p.updated_at, s.updated_at)
	FROM sessions s
	LEFT JOIN progress p ON p.session_id = s.id`

func scanSession(scanFn func(dest ...any) error) (*Session, error) {
	var (
		sess                                    Session
		config, metadata                        string
		createdAt, updatedAt, progressUpdatedAt int64
	)
	if err := scanFn(&sess.ID, &sess.Status, &config, &metadata, &createdAt, &updatedAt,
		&sess.Progress.Total, &sess.Progress.Pending, &sess.Progress.Processing,
		&sess.Progress.Completed, &sess.Progress.Failed, &sess.Progress.Cancelled,
		&progressUpdatedAt); err != nil {
		return nil, err
	}
	sess.Config = json.RawMessage(config)
	sess.Metadata = json.RawMessage(metadata)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.Progress.UpdatedAt = fromMillis(progressUpdatedAt)
	return &sess, nil
}

func marshalBlob(v any) (string, error) {
	switch b := v.(type) {
	case nil:
		return "{}", nil
	case json.RawMessage:
		if len(b) == 0 {
			return "{}", nil
		}
		return string(b), nil
	case string:
		if b == "" {
			return "{}", nil
		}
		if !json.Valid([]byte(b)) {
			return "", errors.New("blob is not valid JSON")
		}
		return b, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
