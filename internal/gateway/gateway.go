// Package gateway is the HTTP adapter in front of the task queue. Workers
// list and claim tasks over REST; dashboards follow bus events over /ws.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	"github.com/fatihaydin9/logsozluk-sub000/internal/cron"
	"github.com/fatihaydin9/logsozluk-sub000/internal/ingest"
	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
	"github.com/fatihaydin9/logsozluk-sub000/internal/shared"
	"github.com/fatihaydin9/logsozluk-sub000/internal/virtualday"
)

const (
	defaultListLimit = 20
	maxBodyBytes     = 64 * 1024
)

// TaskStore is the queue surface the gateway exposes.
type TaskStore interface {
	ListPendingTasks(ctx context.Context, limit int, filter persistence.TaskFilter) ([]persistence.Task, error)
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]persistence.TaskEvent, error)
	ClaimTask(ctx context.Context, taskID, worker string) (persistence.ClaimResult, error)
	CompleteTask(ctx context.Context, taskID, result string) (bool, error)
	FailTask(ctx context.Context, taskID, reason string) (bool, error)
	TaskCounts(ctx context.Context) (map[persistence.TaskStatus]int, error)
	Ping(ctx context.Context) error
}

type PhaseReporter interface {
	Progress(ctx context.Context) (virtualday.Progress, error)
}

type JobRunner interface {
	Trigger(ctx context.Context, name string) error
	Jobs() []cron.JobStatus
}

type SourceReporter interface {
	Snapshot() []ingest.SourceStatus
}

type Config struct {
	Store   TaskStore
	Phases  PhaseReporter
	Jobs    JobRunner
	Sources SourceReporter
	Bus     *bus.Bus

	// AuthToken guards every route except /healthz. Empty disables auth.
	AuthToken string

	// AllowOrigins lists accepted Origin patterns for cross-origin
	// WebSocket and REST calls. Empty means same-origin only.
	AllowOrigins []string

	RateLimitPerSecond float64
	RateLimitBurst     int

	// ConfigFingerprint is reported by /status. It is called per request so
	// hot reloads show up.
	ConfigFingerprint func() string

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Clock   func() time.Time
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimiter
	started time.Time
	streams atomic.Int64
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.TracerOrNoop(cfg.Tracer),
		started: cfg.Clock(),
	}
	s.limiter = NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.Metrics)
	return s
}

// Limiter exposes the per-client limiter so the daemon can run eviction.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealthz)))
	mux.Handle("GET /status", s.protect("status", s.handleStatus))
	mux.Handle("GET /api/tasks", s.protect("tasks.list", s.handleListTasks))
	mux.Handle("GET /api/tasks/{id}", s.protect("tasks.get", s.handleGetTask))
	mux.Handle("GET /api/tasks/{id}/events", s.protect("tasks.events", s.handleTaskEvents))
	mux.Handle("POST /api/tasks/{id}/claim", s.protect("tasks.claim", s.handleClaim))
	mux.Handle("POST /api/tasks/{id}/complete", s.protect("tasks.complete", s.handleComplete))
	mux.Handle("POST /api/tasks/{id}/fail", s.protect("tasks.fail", s.handleFail))
	mux.Handle("POST /api/trigger/{job}", s.protect("trigger", s.handleTrigger))
	mux.Handle("GET /ws", s.protect("ws", s.handleWS))
	return NewCORSMiddleware(s.cfg.AllowOrigins)(mux)
}

// protect applies tracing, rate limiting, auth and a body size cap.
func (s *Server) protect(route string, h http.HandlerFunc) http.Handler {
	var next http.Handler = h
	next = RequestSizeLimitMiddleware(maxBodyBytes)(next)
	next = NewAuthMiddleware(s.cfg.AuthToken).Wrap(next)
	next = s.limiter.Wrap(next)
	return s.instrument(route, next)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, "http."+route)
		w.Header().Set("X-Trace-Id", traceID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		took := time.Since(start)

		otel.EndSpan(span, nil)
		s.cfg.Metrics.Request(ctx, route, took)
		s.logger.Debug("gateway request", "route", route, "method", r.Method, "path", r.URL.Path, "duration", took, "trace_id", traceID)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.cfg.Store.TaskCounts(ctx)
	if err != nil {
		s.internalError(w, r, "task counts", err)
		return
	}
	fingerprint := ""
	if s.cfg.ConfigFingerprint != nil {
		fingerprint = s.cfg.ConfigFingerprint()
	}
	out := map[string]any{
		"tasks":              counts,
		"config_fingerprint": fingerprint,
		"uptime_seconds":     int64(s.cfg.Clock().Sub(s.started).Seconds()),
		"ws_clients":         s.streams.Load(),
	}
	if s.cfg.Phases != nil {
		progress, err := s.cfg.Phases.Progress(ctx)
		if err != nil {
			s.internalError(w, r, "phase progress", err)
			return
		}
		out["phase"] = progress
	}
	if s.cfg.Jobs != nil {
		out["jobs"] = s.cfg.Jobs.Jobs()
	}
	if s.cfg.Sources != nil {
		out["sources"] = s.cfg.Sources.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListTasks serves GET /api/tasks?type=a,b&phase=p&agent=id&limit=n.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Phase:       q.Get("phase"),
		TargetAgent: q.Get("agent"),
	}
	for _, raw := range q["type"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			tt, err := persistence.ParseTaskType(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Types = append(filter.Types, tt)
		}
	}
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := s.cfg.Store.ListPendingTasks(r.Context(), limit, filter)
	if err != nil {
		s.internalError(w, r, "list tasks", err)
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
		s.storeError(w, r, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), id); err != nil {
		s.storeError(w, r, "get task", err)
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "list task events", err)
		return
	}
	if events == nil {
		events = []persistence.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
}

type finishRequest struct {
	// WorkerID is optional. When set it must match the task's assignee.
	WorkerID string `json:"worker_id"`
	Result   string `json:"result"`
	Reason   string `json:"reason"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	id := r.PathValue("id")
	ctx := shared.WithWorkerID(shared.WithTaskID(r.Context(), id), req.WorkerID)

	result, err := s.cfg.Store.ClaimTask(ctx, id, req.WorkerID)
	if err != nil {
		s.storeError(w, r, "claim task", err)
		return
	}
	s.cfg.Metrics.Claim(ctx, string(result))
	switch result {
	case persistence.ClaimOK:
		task, err := s.cfg.Store.GetTask(ctx, id)
		if err != nil {
			s.storeError(w, r, "get claimed task", err)
			return
		}
		s.logger.Info("task claimed", "task_id", id, "worker_id", req.WorkerID, "trace_id", shared.TraceID(ctx))
		writeJSON(w, http.StatusOK, map[string]any{"result": result, "task": task})
	default:
		writeJSON(w, http.StatusConflict, map[string]any{"result": result})
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.finish(w, r, req.WorkerID, persistence.TaskStatusCompleted, func(ctx context.Context, id string) (bool, error) {
		return s.cfg.Store.CompleteTask(ctx, id, req.Result)
	})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.finish(w, r, req.WorkerID, persistence.TaskStatusFailed, func(ctx context.Context, id string) (bool, error) {
		return s.cfg.Store.FailTask(ctx, id, req.Reason)
	})
}

// finish applies a terminal transition. Repeating the transition a task
// already went through answers 200 with changed=false. A claimed task keeps
// its assignee until it leaves claimed, so the worker check before the
// transition cannot go stale.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, worker string, to persistence.TaskStatus, fn func(context.Context, string) (bool, error)) {
	id := r.PathValue("id")
	ctx := shared.WithTaskID(r.Context(), id)
	worker = strings.TrimSpace(worker)
	if worker != "" {
		ctx = shared.WithWorkerID(ctx, worker)
		task, err := s.cfg.Store.GetTask(ctx, id)
		if err != nil {
			s.storeError(w, r, "get task", err)
			return
		}
		if task.Assignee != "" && task.Assignee != worker {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "task is not assigned to this worker", "task_id": id, "assignee": task.Assignee})
			return
		}
	}
	changed, err := fn(ctx, id)
	if err != nil {
		s.storeError(w, r, "finish task", err)
		return
	}
	if !changed {
		task, err := s.cfg.Store.GetTask(ctx, id)
		if err != nil {
			s.storeError(w, r, "get task", err)
			return
		}
		if task.Status == to {
			writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": task.Status, "changed": false})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{"error": "task is not claimed", "task_id": id, "status": task.Status})
		return
	}
	s.cfg.Metrics.Transition(ctx, string(to))
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": to, "changed": true})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	name := r.PathValue("job")
	start := time.Now()
	err := s.cfg.Jobs.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, cron.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cron.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"job": name, "status": "failed", "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job": name, "status": "ok", "took_ms": time.Since(start).Milliseconds()})
	}
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.internalError(w, r, op, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("gateway: "+op, "path", r.URL.Path, "trace_id", shared.TraceID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
