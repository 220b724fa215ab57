package ipadmin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/palisade-labs/gatekeeper/internal/httpserver"
	"github.com/palisade-labs/gatekeeper/internal/suspicious"
)

// Handler serves the admin suspicious-IP surface.
type Handler struct {
	logger     *slog.Logger
	registry   *suspicious.Registry
	adminToken string
}

// NewHandler builds an ipadmin Handler. adminToken is compared against the
// X-Admin-Token header on every request this handler serves.
func NewHandler(logger *slog.Logger, registry *suspicious.Registry, adminToken string) *Handler {
	return &Handler{logger: logger, registry: registry, adminToken: adminToken}
}

// Routes returns a chi.Router with admin-token auth applied to every route.
// Paths follow the original ip_management.py router's contract
// (SPEC_FULL.md §5): POST /ips/block, POST /ips/unblock, GET /ips. ip-stats
// is an additive supplement, not part of that pinned contract.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpserver.RequireAdminToken(h.adminToken))
	r.Get("/ips", h.handleList)
	r.Post("/ips/block", h.handleBlock)
	r.Post("/ips/unblock", h.handleUnblock)
	r.Get("/ip-stats", h.handleStats)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("listing suspicious ips", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to retrieve suspicious ips")
		return
	}

	out := make([]SuspiciousIPResponse, len(records))
	for i, rec := range records {
		violations := make([]ViolationEntry, len(rec.Violations))
		for j, v := range rec.Violations {
			violations[j] = ViolationEntry{At: v.At, Reason: v.Reason}
		}
		out[i] = SuspiciousIPResponse{
			IPAddress:      rec.IPAddress,
			FirstDetected:  rec.FirstDetected,
			LastViolation:  rec.LastViolation,
			ViolationCount: rec.ViolationCount,
			Violations:     violations,
			IsBlocked:      rec.IsBlocked,
			BlockedAt:      rec.BlockedAt,
			BlockReason:    rec.BlockReason,
		}
	}
	httpserver.Respond(w, http.StatusOK, out)
}

func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "Manual block"
	}

	if _, err := h.registry.Block(r.Context(), req.IPAddress, reason); err != nil {
		h.logger.Error("blocking ip", "error", err, "ip_address", req.IPAddress)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to block ip")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"message":    "IP " + req.IPAddress + " has been blocked",
		"ip_address": req.IPAddress,
		"reason":     reason,
	})
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req UnblockRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.registry.Unblock(r.Context(), req.IPAddress); err != nil {
		h.logger.Error("unblocking ip", "error", err, "ip_address", req.IPAddress)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to unblock ip")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"message":    "IP " + req.IPAddress + " has been unblocked",
		"ip_address": req.IPAddress,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("computing ip stats", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to compute ip stats")
		return
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	stats := StatsResponse{TotalSuspiciousIPs: len(records)}
	for _, rec := range records {
		if rec.IsBlocked {
			stats.BlockedIPs++
		}
		if rec.LastViolation.After(cutoff) {
			stats.RecentViolations24h++
		}
	}
	stats.ActiveSuspiciousIPs = stats.TotalSuspiciousIPs - stats.BlockedIPs
	httpserver.Respond(w, http.StatusOK, stats)
}
