package apikey

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/palisade-labs/gatekeeper/internal/httpserver"
)

// Handler exposes the admin-only API key provisioning surface. Unlike the
// domain challenge endpoints, these routes are gated by the static admin
// token (GATEKEEPER_ADMIN_TOKEN) rather than a public/secret key pair,
// since provisioning keys is an operator action, not a visitor one.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates an apikey Handler backed by the given connection pool.
func NewHandler(logger *slog.Logger, pool *pgxpool.Pool) *Handler {
	return &Handler{logger: logger, service: NewService(pool, logger)}
}

// NewHandlerFromService creates an apikey Handler over an existing Service,
// so the admin provisioning routes and the gateway's usage accounting share
// one Service (and one Store) rather than two independent connections.
func NewHandlerFromService(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// Routes returns a chi.Router with all API key admin routes mounted. The
// caller is expected to wrap this with an admin-token auth middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Post("/{id}/deactivate", h.handleDeactivate)
	r.Get("/{id}/usage", h.handleUsage)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.logger.Error("creating api key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create api key")
		return
	}

	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "user_id query parameter required")
		return
	}

	items, err := h.service.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("listing api keys", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list api keys")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"keys":  items,
		"count": len(items),
	})
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "id")

	if err := h.service.Deactivate(r.Context(), publicID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "api key not found")
			return
		}
		h.logger.Error("deactivating api key", "error", err, "public_id", publicID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to deactivate api key")
		return
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

// handleUsage serves the read-only per-day usage counters the usage.py
// supplement exposes for an operator inspecting a customer's consumption.
func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "id")

	usage, err := h.service.Usage(r.Context(), publicID)
	if err != nil {
		h.logger.Error("loading api key usage", "error", err, "public_id", publicID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load api key usage")
		return
	}

	httpserver.Respond(w, http.StatusOK, usage)
}
