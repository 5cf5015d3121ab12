// Package handler serves the operator HTTP API. Everything is read-only
// except Enqueue, which is idempotent, and dead-letter requeue, which is
// submitted as an admin command for the lease holder to apply.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/internal/postgres"
	redisstore "github.com/soheilrt/play-scraper/internal/redis"
	"github.com/soheilrt/play-scraper/pkg/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Queue is the subset of the task queue the operator reads and enqueues into.
type Queue interface {
	Enqueue(ctx context.Context, task *domain.Task) (bool, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	Stats(ctx context.Context) (redisstore.Stats, error)
	List(ctx context.Context, status domain.Status, limit int64) ([]*domain.Task, error)
}

// Results reads stored extraction results.
type Results interface {
	GetResult(ctx context.Context, taskID string) (*domain.Result, error)
}

// Admin accepts operator commands.
type Admin interface {
	Submit(ctx context.Context, op, taskID, requestedBy string) (*redisstore.AdminCommand, error)
	Pending(ctx context.Context) ([]*redisstore.AdminCommand, error)
}

// LeaseReader reports the current lease holder.
type LeaseReader interface {
	Holder(ctx context.Context) (redisstore.LeaseInfo, error)
}

// Backends wires the REST handler to the store.
type Backends struct {
	Queue    Queue
	Results  Results
	Admin    Admin
	Lease    LeaseReader
	History  postgres.ExecutionLog
	Snapshot func(ctx context.Context) (redisstore.SnapshotInfo, error)
	// Ping reports store reachability for /readyz.
	Ping func(ctx context.Context) error
}

// REST handles HTTP requests for the operator API.
type REST struct {
	b      Backends
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(b Backends, logger *slog.Logger) *REST {
	if b.History == nil {
		b.History = postgres.NopLog{}
	}
	return &REST{b: b, logger: logger}
}

// EnqueueRequest is the JSON body for POST /api/v1/tasks.
type EnqueueRequest struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EnqueueResponse is the response body for POST /api/v1/tasks.
type EnqueueResponse struct {
	TaskID string `json:"task_id"`
	Added  bool   `json:"added"`
}

// RequeueRequest is the optional JSON body for POST /api/v1/deadletters/{id}/requeue.
type RequeueRequest struct {
	RequestedBy string `json:"requested_by"`
}

// Enqueue handles POST /api/v1/tasks. Re-submitting a known task is not an
// error: it answers 200 with added=false.
func (h *REST) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "operator.enqueue")
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Kind) == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "fields 'kind' and 'target' are required")
		return
	}

	task := domain.NewTask(req.Kind, req.Target, req.Payload)
	span.SetAttributes(attribute.String("task.id", task.ID))

	added, err := h.b.Queue.Enqueue(ctx, task)
	if err != nil {
		spanErr = err
		var invalid *domain.InvalidTaskError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusUnprocessableEntity, invalid.Error())
			return
		}
		h.logger.Error("enqueue failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
		telemetry.TasksEnqueued.WithLabelValues(task.Kind, "api").Inc()
		h.logger.Info("task enqueued", slog.String("task_id", task.ID), slog.String("kind", task.Kind))
	}
	writeJSON(w, status, EnqueueResponse{TaskID: task.ID, Added: added})
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.b.Queue.Stats(r.Context())
	if err != nil {
		h.storeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListTasks handles GET /api/v1/tasks?status=&limit=.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusPending
	}
	h.list(w, r, status)
}

// ListDeadLetters handles GET /api/v1/deadletters.
func (h *REST) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, domain.StatusDead)
}

func (h *REST) list(w http.ResponseWriter, r *http.Request, status domain.Status) {
	switch status {
	case domain.StatusPending, domain.StatusInFlight, domain.StatusDone, domain.StatusDead:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := h.b.Queue.List(r.Context(), status, limit)
	if err != nil {
		h.storeError(w, "list", err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := h.b.Queue.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetResult handles GET /api/v1/tasks/{id}/result.
func (h *REST) GetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	res, err := h.b.Results.GetResult(r.Context(), id)
	if err != nil {
		h.storeError(w, "get result", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListExecutions handles GET /api/v1/tasks/{id}/executions.
func (h *REST) ListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs, err := h.b.History.ListExecutions(r.Context(), id, int(limit))
	if err != nil {
		h.logger.Error("list executions failed", slog.String("task_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "execution history unavailable")
		return
	}
	if execs == nil {
		execs = []*domain.TaskExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// RequeueDead handles POST /api/v1/deadletters/{id}/requeue. The command is
// accepted here and applied asynchronously by the lease holder.
func (h *REST) RequeueDead(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	var req RequeueRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.RequestedBy == "" {
		req.RequestedBy = r.RemoteAddr
	}

	task, err := h.b.Queue.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, "get task", err)
		return
	}
	if task.Status != domain.StatusDead {
		writeError(w, http.StatusConflict, "task is "+string(task.Status)+", not dead")
		return
	}

	cmd, err := h.b.Admin.Submit(r.Context(), redisstore.OpRequeueDead, id, req.RequestedBy)
	if err != nil {
		h.storeError(w, "submit admin command", err)
		return
	}
	telemetry.OperatorAdminSubmitted.WithLabelValues(cmd.Op).Inc()
	h.logger.Info("admin command submitted",
		slog.String("command_id", cmd.ID),
		slog.String("op", cmd.Op),
		slog.String("task_id", id),
		slog.String("requested_by", cmd.RequestedBy),
	)
	writeJSON(w, http.StatusAccepted, cmd)
}

// PendingCommands handles GET /api/v1/admin/commands.
func (h *REST) PendingCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.b.Admin.Pending(r.Context())
	if err != nil {
		h.storeError(w, "pending admin commands", err)
		return
	}
	if cmds == nil {
		cmds = []*redisstore.AdminCommand{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

// Lease handles GET /api/v1/lease.
func (h *REST) Lease(w http.ResponseWriter, r *http.Request) {
	info, err := h.b.Lease.Holder(r.Context())
	if err != nil {
		h.storeError(w, "lease", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Snapshot handles GET /api/v1/snapshot.
func (h *REST) Snapshot(w http.ResponseWriter, r *http.Request) {
	if h.b.Snapshot == nil {
		writeError(w, http.StatusNotImplemented, "snapshot inspection not configured")
		return
	}
	info, err := h.b.Snapshot(r.Context())
	if err != nil {
		h.storeError(w, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz by pinging the store.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.b.Ping != nil {
		if err := h.b.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) storeError(w http.ResponseWriter, op string, err error) {
	var notFound *domain.TaskNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, notFound.Error())
		return
	}
	h.logger.Error(op+" failed", slog.String("error", err.Error()))
	writeError(w, http.StatusServiceUnavailable, "store unavailable")
}

// taskID returns the unescaped {id} path parameter. Task IDs carry free-form
// targets, so clients must path-escape them.
func taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "id")
	id, err := url.PathUnescape(raw)
	if err != nil || id == "" {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return "", false
	}
	return id, true
}

func parseLimit(s string) (int64, error) {
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
