package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/turetske/etpelican/internal/platform/metrics"
	"github.com/turetske/etpelican/internal/platform/middleware"
	"github.com/turetske/etpelican/internal/registry/models"
	"github.com/turetske/etpelican/internal/registry/service"
	"github.com/turetske/etpelican/internal/registry/store"
	dErrors "github.com/turetske/etpelican/pkg/domain-errors"
	"github.com/turetske/etpelican/pkg/platform/httputil"
	"github.com/turetske/etpelican/pkg/requestcontext"
)

// Service defines the interface for registration operations.
type Service interface {
	Create(ctx context.Context, actor models.Actor, req service.CreateRequest) (*models.Registration, error)
	Apply(ctx context.Context, actor models.Actor, action models.Action, id uuid.UUID) (*service.ApplyResult, error)
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Registration, error)
	List(ctx context.Context, actor models.Actor, filter store.Filter) ([]*models.Registration, error)
}

// Handler handles the namespace registration endpoints.
type Handler struct {
	logger       *slog.Logger
	registry     Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates a new registry Handler.
func New(
	registry Service,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		registry:     registry,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register registers the namespace routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	nsRouter := chi.NewRouter()
	nsRouter.Use(middleware.Recovery(h.logger))
	nsRouter.Use(middleware.RequestID)
	nsRouter.Use(middleware.ClientMetadata)
	nsRouter.Use(middleware.Logger(h.logger))
	nsRouter.Use(middleware.Timeout(30 * time.Second))
	nsRouter.Use(middleware.ContentTypeJSON)
	nsRouter.Use(middleware.LatencyMiddleware(h.metrics))
	nsRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
	nsRouter.Get("/namespaces", h.handleListNamespaces)
	nsRouter.Post("/namespaces", h.handleCreateNamespace)
	nsRouter.Get("/namespaces/{id}", h.handleGetNamespace)
	nsRouter.Patch("/namespaces/{id}/approve", h.handleApprove)
	nsRouter.Patch("/namespaces/{id}/deny", h.handleDeny)
	nsRouter.Delete("/namespaces/{id}", h.handleDelete)

	r.Mount("/api/v1.0/registry", nsRouter)
}

// actorFromContext rebuilds the actor the auth middleware placed in the
// context. Identity and role come from the verified token only.
func actorFromContext(ctx context.Context) (models.Actor, bool) {
	id := requestcontext.ActorID(ctx)
	if id == "" {
		return models.Actor{}, false
	}
	return models.Actor{ID: id, Role: models.Role(requestcontext.ActorRole(ctx))}, true
}

func (h *Handler) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	actor, ok := actorFromContext(ctx)
	if !ok {
		h.logger.ErrorContext(ctx, "actor missing from context despite auth middleware",
			"request_id", requestID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	var createReq service.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&createReq); err != nil {
		h.logger.WarnContext(ctx, "invalid create namespace request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	created, err := h.registry.Create(ctx, actor, createReq)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to create namespace registration", err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	var filter store.Filter
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := models.ParseState(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "unknown state %q", raw))
			return
		}
		filter.State = &state
	}

	records, err := h.registry.List(ctx, actor, filter)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to list namespace registrations", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"namespaces": records})
}

func (h *Handler) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	id, err := parseID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.registry.Get(ctx, actor, id)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to fetch namespace registration", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleModeration(w, r, models.ActionApprove)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.handleModeration(w, r, models.ActionDeny)
}

func (h *Handler) handleModeration(w http.ResponseWriter, r *http.Request, action models.Action) {
	ctx := r.Context()
	actor, ok := actorFromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	id, err := parseID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.registry.Apply(ctx, actor, action, id)
	if err != nil {
		h.writeServiceError(ctx, w, "moderation action failed", err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result.Registration)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	id, err := parseID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if _, err := h.registry.Apply(ctx, actor, models.ActionDelete, id); err != nil {
		h.writeServiceError(ctx, w, "failed to delete namespace registration", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, "invalid registration id")
	}
	return id, nil
}

// writeServiceError logs at a severity matching the error class and renders
// it. Client-caused errors stay at warn; only unclassified failures are
// server errors.
func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	requestID := requestcontext.RequestID(ctx)
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal:
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err.Error())
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, msg))
	case dErrors.CodeUnavailable:
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err.Error())
		httputil.WriteError(w, err)
	default:
		h.logger.WarnContext(ctx, msg, "request_id", requestID, "error", err.Error())
		httputil.WriteError(w, err)
	}
}
