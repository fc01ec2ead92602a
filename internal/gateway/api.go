package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/apiforge/internal/audit"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/scheduler"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type statusResponse struct {
	scheduler.Status
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "no active run")
		return
	}
	s.mu.RLock()
	fp := s.fingerprint
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:            s.cfg.Scheduler.Status(r.Context()),
		ConfigFingerprint: fp,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Scheduler.GenerateReport())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pause", func() error { return s.cfg.Scheduler.Pause() })
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resume", func() error { return s.cfg.Scheduler.Resume() })
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, action string, fn func() error) {
	if s.cfg.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "no active run")
		return
	}
	if err := fn(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrNotRunning) {
			status = http.StatusConflict
		}
		audit.Record("scheduler."+action, "gateway:"+r.RemoteAddr, "", audit.OutcomeRejected, err.Error())
		writeError(w, status, err.Error())
		return
	}
	audit.Record("scheduler."+action, "gateway:"+r.RemoteAddr, "", audit.OutcomeOK, "")
	s.logger.Info("scheduler control", "action", action, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.cfg.Scheduler.Status(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	stats, err := s.cfg.Store.Stats(r.Context(), session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.cfg.Store.StatusCounts(r.Context(), session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": stats, "tasks": counts})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := persistence.TaskFilter{
		SessionID: q.Get("session"),
		Status:    persistence.TaskStatus(q.Get("status")),
		Limit:     limit,
	}
	if filter.Status != "" && !knownStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "unknown status "+string(filter.Status))
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	errs, err := s.cfg.Store.TaskErrors(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "errors": errs})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), id); err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	events, err := s.cfg.Store.TaskEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Store.Cancel(r.Context(), id); err != nil {
		audit.Record("task.cancel", "gateway:"+r.RemoteAddr, id, audit.OutcomeRejected, err.Error())
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	audit.Record("task.cancel", "gateway:"+r.RemoteAddr, id, audit.OutcomeOK, "")
	s.logger.Info("task cancelled via gateway", "task_id", id)
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []persistence.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func knownStatus(st persistence.TaskStatus) bool {
	switch st {
	case persistence.TaskStatusPending, persistence.TaskStatusInProgress, persistence.TaskStatusCompleted,
		persistence.TaskStatusFailed, persistence.TaskStatusRetrying, persistence.TaskStatusCancelled:
		return true
	}
	return false
}
