// Package gateway exposes a run over HTTP: queue and session reads, task
// cancellation, scheduler control, metrics, and live bus events over
// WebSocket and SSE.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/apiforge/internal/audit"
	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/config"
	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/scheduler"
)

const maxRequestBytes = 1 << 20

// Store is the part of the task store the gateway reads and mutates.
type Store interface {
	Stats(ctx context.Context, sessionFilter string) (persistence.QueueStats, error)
	StatusCounts(ctx context.Context, sessionFilter string) (map[persistence.TaskStatus]int, error)
	QueueDepth(ctx context.Context) (int, error)
	ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error)
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	TaskEvents(ctx context.Context, taskID string) ([]persistence.TaskEvent, error)
	TaskErrors(ctx context.Context, taskID string) ([]persistence.TaskError, error)
	Cancel(ctx context.Context, taskID string) error
	ListSessions(ctx context.Context, limit int) ([]persistence.Session, error)
	GetSession(ctx context.Context, sessionID string) (*persistence.Session, error)
}

// Scheduler is the control surface of a running hybrid scheduler.
type Scheduler interface {
	Status(ctx context.Context) scheduler.Status
	GenerateReport() scheduler.Report
	Pause() error
	Resume() error
}

type Config struct {
	Store Store
	// Scheduler is nil when the gateway serves a store with no active run;
	// the scheduler routes then answer 503.
	Scheduler Scheduler
	Bus       *bus.Bus

	// AuthToken is required on every route except /healthz and
	// /metrics/prometheus.
	AuthToken string

	// AllowOrigins lists accepted cross-origin Origin headers for CORS and
	// WebSocket upgrades. Empty means same-origin only.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	// ConfigFingerprint is reported by /api/status so clients can tell when
	// the active config changed.
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Clock   func() time.Time
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimitMiddleware
	started time.Time

	mu          sync.RWMutex
	fingerprint string

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		cfg:         cfg,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		limiter:     NewRateLimitMiddleware(cfg.RateLimit, cfg.Clock),
		started:     cfg.Clock(),
		fingerprint: cfg.ConfigFingerprint,
		clients:     map[*client]struct{}{},
	}
}

// SetConfigFingerprint updates the fingerprint reported by /api/status after
// a config reload.
func (s *Server) SetConfigFingerprint(fp string) {
	s.mu.Lock()
	s.fingerprint = fp
	s.mu.Unlock()
}

// RateLimiter exposes the limiter so the caller can start bucket eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}

	route("GET /healthz", s.handleHealthz)
	route("GET /metrics", s.handleMetrics)
	route("GET /metrics/prometheus", s.handlePrometheusMetrics)

	route("GET /api/status", s.handleStatus)
	route("GET /api/report", s.handleReport)
	route("POST /api/scheduler/pause", s.handlePause)
	route("POST /api/scheduler/resume", s.handleResume)

	route("GET /api/stats", s.handleStats)
	route("GET /api/tasks", s.handleListTasks)
	route("GET /api/tasks/{id}", s.handleGetTask)
	route("GET /api/tasks/{id}/events", s.handleTaskEvents)
	route("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	route("GET /api/sessions", s.handleListSessions)
	route("GET /api/sessions/{id}", s.handleGetSession)

	// Streams are long-lived; instrument only records the upgrade.
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/events", s.handleEventStream)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// instrument wraps a route in a server span and records its latency.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otelPkg.StartServerSpan(r.Context(), s.tracer, "gateway "+route,
			attribute.String("http.route", route),
			attribute.String("http.request.method", r.Method),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		s.cfg.Metrics.RecordRequest(ctx, route, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	depth, err := s.cfg.Store.QueueDepth(r.Context())
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"queue_depth": depth,
		"uptime":      s.cfg.Clock().Sub(s.started).Round(time.Second).String(),
	}
	if s.cfg.Scheduler != nil {
		payload["scheduler_state"] = s.cfg.Scheduler.Status(r.Context()).State
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Store.StatusCounts(ctx, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"tasks":       counts,
		"alloc_bytes": mem.Alloc,
		"goroutines":  runtime.NumGoroutine(),
		"auth_denied": audit.DeniedCount(),
	}
	if stats, err := s.cfg.Store.Stats(ctx, ""); err == nil {
		payload["queue"] = stats
	}
	if s.cfg.Scheduler != nil {
		st := s.cfg.Scheduler.Status(ctx)
		payload["scheduler_state"] = st.State
		if st.Pool != nil {
			payload["pool"] = st.Pool
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Store.StatusCounts(ctx, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	depth, _ := s.cfg.Store.QueueDepth(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP apiforge_tasks Number of tasks by status.\n")
	fmt.Fprintf(w, "# TYPE apiforge_tasks gauge\n")
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(w, "apiforge_tasks{status=%q} %d\n", st, counts[persistence.TaskStatus(st)])
	}
	fmt.Fprintf(w, "# HELP apiforge_queue_depth Tasks waiting to be dequeued.\n")
	fmt.Fprintf(w, "# TYPE apiforge_queue_depth gauge\n")
	fmt.Fprintf(w, "apiforge_queue_depth %d\n", depth)

	if s.cfg.Scheduler != nil {
		if pool := s.cfg.Scheduler.Status(ctx).Pool; pool != nil {
			fmt.Fprintf(w, "# HELP apiforge_workers Current worker pool size.\n")
			fmt.Fprintf(w, "# TYPE apiforge_workers gauge\n")
			fmt.Fprintf(w, "apiforge_workers %d\n", pool.Workers)
			fmt.Fprintf(w, "# HELP apiforge_active_workers Workers currently running a task.\n")
			fmt.Fprintf(w, "# TYPE apiforge_active_workers gauge\n")
			fmt.Fprintf(w, "apiforge_active_workers %d\n", pool.ActiveWorkers)
			fmt.Fprintf(w, "# HELP apiforge_worker_utilization Share of workers busy.\n")
			fmt.Fprintf(w, "# TYPE apiforge_worker_utilization gauge\n")
			fmt.Fprintf(w, "apiforge_worker_utilization %g\n", pool.Utilization)
			fmt.Fprintf(w, "# HELP apiforge_tasks_completed_total Tasks completed by this pool.\n")
			fmt.Fprintf(w, "# TYPE apiforge_tasks_completed_total counter\n")
			fmt.Fprintf(w, "apiforge_tasks_completed_total %d\n", pool.TasksCompleted)
			fmt.Fprintf(w, "# HELP apiforge_tasks_failed_total Tasks failed by this pool.\n")
			fmt.Fprintf(w, "# TYPE apiforge_tasks_failed_total counter\n")
			fmt.Fprintf(w, "apiforge_tasks_failed_total %d\n", pool.TasksFailed)
		}
	}
	fmt.Fprintf(w, "# HELP apiforge_auth_denied_total Requests rejected for a missing or invalid token.\n")
	fmt.Fprintf(w, "# TYPE apiforge_auth_denied_total counter\n")
	fmt.Fprintf(w, "apiforge_auth_denied_total %d\n", audit.DeniedCount())
	fmt.Fprintf(w, "# HELP apiforge_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE apiforge_alloc_bytes gauge\n")
	fmt.Fprintf(w, "apiforge_alloc_bytes %d\n", mem.Alloc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeErrorStatus maps store sentinel errors onto HTTP statuses.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound), errors.Is(err, persistence.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
