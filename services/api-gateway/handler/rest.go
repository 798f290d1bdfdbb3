package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-protocol/internal/codec"
	"github.com/ramiqadoumi/go-task-protocol/internal/control"
	"github.com/ramiqadoumi/go-task-protocol/internal/domain"
	"github.com/ramiqadoumi/go-task-protocol/internal/kafka"
	"github.com/ramiqadoumi/go-task-protocol/internal/postgres"
	"github.com/ramiqadoumi/go-task-protocol/internal/protocol"
	redisstore "github.com/ramiqadoumi/go-task-protocol/internal/redis"
	"github.com/ramiqadoumi/go-task-protocol/internal/reducer"
	"github.com/ramiqadoumi/go-task-protocol/internal/workflow"
	"github.com/ramiqadoumi/go-task-protocol/pkg/telemetry"
)

const defaultListLimit = 50

// Revoker flags task ids so workers skip them.
type Revoker interface {
	Revoke(ctx context.Context, taskIDs ...string) error
}

// REST handles HTTP requests for the API Gateway.
type REST struct {
	publisher reducer.Publisher
	store     redisstore.StateStore
	repo      postgres.TaskRepository
	revoker   Revoker
	control   kafka.Producer // nil = revocations are not broadcast
	checks    []telemetry.ReadyFunc
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a REST handler.
type Option func(*REST)

func WithLogger(l *slog.Logger) Option                { return func(h *REST) { h.logger = l } }
func WithClock(now func() time.Time) Option           { return func(h *REST) { h.now = now } }
func WithReadyChecks(c ...telemetry.ReadyFunc) Option { return func(h *REST) { h.checks = c } }

// WithRevoker enables POST /tasks/{id}/revoke. When p is not nil the
// revocation is also broadcast to running workers.
func WithRevoker(r Revoker, p kafka.Producer) Option {
	return func(h *REST) {
		h.revoker = r
		h.control = p
	}
}

// NewREST creates a new REST handler. Messages are published through publisher.
func NewREST(publisher reducer.Publisher, store redisstore.StateStore, repo postgres.TaskRepository, opts ...Option) *REST {
	h := &REST{
		publisher: publisher,
		store:     store,
		repo:      repo,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", h.ApplyTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTaskStatus)
		r.Post("/tasks/{id}/revoke", h.RevokeTask)
		r.Post("/chains", h.ApplyChain)
		r.Post("/groups", h.ApplyGroup)
		r.Post("/chords", h.ApplyChord)
	})
}

// ApplyResponse is the 202 response body of every apply endpoint.
type ApplyResponse struct {
	TaskID  string   `json:"task_id"`
	RootID  string   `json:"root_id"`
	GroupID string   `json:"group_id,omitempty"`
	TaskIDs []string `json:"task_ids"`
	Status  string   `json:"status"`
}

// TaskStatusResponse is the GET /tasks/{id} response body.
type TaskStatusResponse struct {
	*domain.TaskMeta
	DurationMs int64              `json:"duration_ms,omitempty"`
	Children   []*domain.TaskMeta `json:"children,omitempty"`
}

// ApplyTask handles POST /api/v1/tasks. The body is a signature:
// {"task": ..., "args": [...], "kwargs": {...}, "options": {...}}.
func (h *REST) ApplyTask(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	sig, err := protocol.SignatureFromWire(body, "body")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.apply(w, r, "task", "", sig)
}

// ApplyChain handles POST /api/v1/chains: {"steps": [signature, ...]}.
func (h *REST) ApplyChain(w http.ResponseWriter, r *http.Request) {
	steps, ok := h.signatureList(w, r, "steps")
	if !ok {
		return
	}
	head, err := workflow.Chain(steps...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.apply(w, r, "chain", "", head)
}

// ApplyGroup handles POST /api/v1/groups: {"members": [signature, ...]}.
func (h *REST) ApplyGroup(w http.ResponseWriter, r *http.Request) {
	members, ok := h.signatureList(w, r, "members")
	if !ok {
		return
	}
	g, err := workflow.NewGroup(members...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.apply(w, r, "group", g.ID, g.Members...)
}

// ApplyChord handles POST /api/v1/chords: {"header": [signature, ...], "body": signature}.
func (h *REST) ApplyChord(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	obj, _ := body.(map[string]any)
	header, err := protocol.SignaturesFromWire(obj["header"], "header")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if obj["body"] == nil {
		writeError(w, http.StatusBadRequest, "field 'body' is required")
		return
	}
	callback, err := protocol.SignatureFromWire(obj["body"], "body")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := workflow.NewGroup(header...)
	if err == nil {
		g, err = workflow.Chord(g, callback)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.apply(w, r, "chord", g.ID, g.Members...)
}

// apply materializes sigs as root messages, records them and publishes them
// to tasks.pending.
func (h *REST) apply(w http.ResponseWriter, r *http.Request, kind, groupID string, sigs ...*domain.Signature) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.apply_"+kind)
	defer span.End()

	now := h.now().UTC()
	msgs := make([]*domain.TaskMessage, 0, len(sigs))
	for _, s := range sigs {
		m, err := workflow.ToMessage(s, nil, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msgs = append(msgs, m)
	}

	resp := ApplyResponse{GroupID: groupID, Status: string(domain.StatusPending)}
	for _, m := range msgs {
		log := h.logger.With(slog.String("task_id", m.ID), slog.String("task_name", m.Name))

		// Persist to Redis (fast state reads).
		meta := &domain.TaskMeta{
			ID:        m.ID,
			Name:      m.Name,
			RootID:    m.RootID,
			ParentID:  m.ParentID,
			GroupID:   m.GroupID,
			Status:    domain.StatusPending,
			Retries:   m.Retries,
			CreatedAt: now,
		}
		if err := h.store.SetTaskMeta(ctx, meta); err != nil {
			log.Error("failed to set task meta", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to create task")
			return
		}

		// Persist to PostgreSQL (audit trail). Non-fatal: Kafka and Redis are the primary flow.
		if err := h.repo.Create(ctx, m); err != nil {
			log.Error("failed to persist task", slog.String("error", err.Error()))
		}

		if err := h.publisher.Publish(ctx, m); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "kafka publish failed")
			log.Error("failed to publish task", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to enqueue task")
			return
		}
		resp.TaskIDs = append(resp.TaskIDs, m.ID)
	}
	resp.TaskID, resp.RootID = msgs[0].ID, msgs[0].RootID

	span.SetAttributes(
		attribute.String("workflow.kind", kind),
		attribute.String("task.id", resp.TaskID),
		attribute.Int("workflow.messages", len(msgs)),
	)
	telemetry.APIWorkflowsSubmitted.WithLabelValues(kind).Inc()
	h.logger.Info("workflow applied",
		slog.String("kind", kind),
		slog.String("task_id", resp.TaskID),
		slog.Int("messages", len(msgs)),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

// GetTaskStatus handles GET /api/v1/tasks/{id}. With ?children=true the
// response lists every task in the same workflow.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}
	ctx := r.Context()
	log := h.logger.With(slog.String("task_id", taskID))

	// Fast path: Redis.
	meta, err := h.store.GetTaskMeta(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			log.Error("redis error", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}

		// Slow path: PostgreSQL fallback (Redis TTL expired or cache miss).
		meta, err = h.repo.GetByID(ctx, taskID)
		if err != nil {
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			log.Error("postgres error", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}
	}

	// Always read the live status from Redis (worker may have updated it).
	if status, err := h.store.GetStatus(ctx, taskID); err == nil {
		meta.Status = status
	}

	resp := TaskStatusResponse{TaskMeta: meta}
	if meta.CompletedAt != nil && !meta.CreatedAt.IsZero() {
		resp.DurationMs = meta.CompletedAt.Sub(meta.CreatedAt).Milliseconds()
	}
	if r.URL.Query().Get("children") == "true" {
		root := meta.RootID
		if root == "" {
			root = meta.ID
		}
		all, err := h.repo.ListByRoot(ctx, root)
		if err != nil {
			log.Error("postgres error", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list workflow")
			return
		}
		for _, m := range all {
			if m.ID != meta.ID {
				resp.Children = append(resp.Children, m)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTasks handles GET /api/v1/tasks?status=FAILURE&limit=50.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.Status(q.Get("status"))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks, err := h.repo.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("postgres error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.TaskMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// RevokeTask handles POST /api/v1/tasks/{id}/revoke.
func (h *REST) RevokeTask(w http.ResponseWriter, r *http.Request) {
	if h.revoker == nil {
		writeError(w, http.StatusNotImplemented, "revocation is not configured")
		return
	}
	taskID := chi.URLParam(r, "id")
	ctx := r.Context()
	log := h.logger.With(slog.String("task_id", taskID))

	if err := h.revoker.Revoke(ctx, taskID); err != nil {
		log.Error("failed to revoke task", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to revoke task")
		return
	}
	if h.control != nil {
		req := control.Request{
			Command:   "revoke",
			Arguments: map[string]any{"task_id": taskID},
			Ticket:    taskID,
		}
		if err := control.Broadcast(ctx, h.control, req); err != nil {
			// the revoked set is authoritative; workers consult it before running
			log.Warn("failed to broadcast revoke", slog.String("error", err.Error()))
		}
	}
	log.Info("task revoked")
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "revoke requested"})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz by running every configured check.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, check := range h.checks {
		if err := check(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// readBody decodes a JSON request body into the canonical value shape.
func (h *REST) readBody(w http.ResponseWriter, r *http.Request) (any, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	var raw any
	if err := codec.JSON().Unmarshal(data, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	v, err := codec.Normalize(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return v, true
}

// signatureList reads {"<field>": [signature, ...]}.
func (h *REST) signatureList(w http.ResponseWriter, r *http.Request, field string) ([]*domain.Signature, bool) {
	body, ok := h.readBody(w, r)
	if !ok {
		return nil, false
	}
	obj, _ := body.(map[string]any)
	if obj[field] == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("field '%s' is required", field))
		return nil, false
	}
	sigs, err := protocol.SignaturesFromWire(obj[field], field)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return sigs, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
