package gateway

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
	"github.com/palisade-labs/gatekeeper/internal/challenge"
	"github.com/palisade-labs/gatekeeper/internal/clientip"
	"github.com/palisade-labs/gatekeeper/internal/creds"
	"github.com/palisade-labs/gatekeeper/internal/httpserver"
	"github.com/palisade-labs/gatekeeper/internal/model"
	"github.com/palisade-labs/gatekeeper/internal/router"
	"github.com/palisade-labs/gatekeeper/internal/token"
	"github.com/palisade-labs/gatekeeper/pkg/apikey"
)

// Handler serves the adaptive-router decision endpoint and the challenge
// creation/verification endpoints.
type Handler struct {
	logger     *slog.Logger
	router     *router.Router
	challenges *challenge.Store
	tokens     *token.Store
	verifier   *creds.Verifier
	usage      *apikey.Service
}

// NewHandler builds a gateway Handler. usage may be nil, in which case
// verify calls skip usage accounting entirely.
func NewHandler(logger *slog.Logger, r *router.Router, challenges *challenge.Store, tokens *token.Store, verifier *creds.Verifier, usage *apikey.Service) *Handler {
	return &Handler{logger: logger, router: r, challenges: challenges, tokens: tokens, verifier: verifier, usage: usage}
}

// Routes returns a chi.Router with every /api/* visitor-facing route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/next-captcha", h.handleNextCaptcha)
	r.Post("/image-challenge", h.handleCreateImageGrid)
	r.Post("/abstract-captcha", h.handleCreateAbstract)
	r.Post("/handwriting-challenge", h.handleCreateHandwriting)
	r.Post("/imagecaptcha-verify", h.handleVerifyImageGrid)
	r.Post("/abstract-verify", h.handleVerifyAbstract)
	r.Post("/handwriting-verify", h.handleVerifyHandwriting)
	r.Get("/image/{family}/{cid}/{index}", h.handleImageProxy)
	return r
}

// handleImageProxy serves the signed-URL indirection described by spec.md
// §4.7: it verifies the (cid, index) signature before redirecting to the
// real CDN URL, so a raw CDN URL is never handed to a client directly when
// image-proxy mode is enabled.
func (h *Handler) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")
	cid := chi.URLParam(r, "cid")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		httpserver.RespondAPIError(w, apierr.New(apierr.KindBadRequest, "invalid image index"))
		return
	}
	sig := r.URL.Query().Get("sig")
	if !h.challenges.VerifyImageSignature(cid, index, sig) {
		httpserver.RespondAPIError(w, apierr.New(apierr.KindInvalidSignature, "invalid image signature"))
		return
	}
	url, err := h.challenges.ResolveImageURL(r.Context(), family, cid, index)
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *Handler) handleNextCaptcha(w http.ResponseWriter, r *http.Request) {
	var req NextCaptchaRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp, err := h.router.Handle(r.Context(), router.Request{
		PublicKey:    r.Header.Get("X-API-Key"),
		SecretKey:    r.Header.Get("X-Secret-Key"),
		IP:           clientip.Extract(r),
		UserAgent:    r.UserAgent(),
		BehaviorData: req.BehaviorData,
		SessionID:    req.SessionID,
	})
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

// authenticate implements the two-stage credential pattern every challenge
// creation endpoint shares: browsers call with only the public key, a
// customer's own backend may additionally pass the secret (spec.md §4.1).
func (h *Handler) authenticate(r *http.Request) (model.ApiKey, error) {
	publicKey := r.Header.Get("X-API-Key")
	secretKey := r.Header.Get("X-Secret-Key")
	if secretKey != "" {
		return h.verifier.VerifyPair(r.Context(), publicKey, secretKey)
	}
	return h.verifier.VerifyPublic(r.Context(), publicKey)
}

func (h *Handler) handleCreateImageGrid(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	view, err := h.challenges.CreateImageGrid(r.Context())
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"challenge_id": view.ChallengeID,
		"url":          view.URL,
		"ttl":          int(view.TTL.Seconds()),
		"grid_size":    view.GridSize,
		"target_label": view.TargetLabel,
		"question":     view.Question,
	})
}

func (h *Handler) handleCreateAbstract(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	view, err := h.challenges.CreateAbstract(r.Context())
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	images := make([]map[string]any, len(view.Images))
	for i, img := range view.Images {
		images[i] = map[string]any{"id": img.ID, "url": img.URL}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"challenge_id": view.ChallengeID,
		"question":     view.Question,
		"ttl":          int(view.TTL.Seconds()),
		"images":       images,
	})
}

func (h *Handler) handleCreateHandwriting(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticate(r); err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	view, err := h.challenges.CreateHandwriting(r.Context())
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"challenge_id": view.ChallengeID,
		"samples":      view.Samples,
		"ttl":          int(view.TTL.Seconds()),
		"message":      "Handwriting challenge created successfully",
	})
}

// consumeToken authenticates the verify call with the full public+secret
// pair (verification always requires both, §4.1) and consumes the
// captcha_token, rejecting any mismatch between the token's bound captcha
// type and want. It returns the resolved key so callers can record usage.
func (h *Handler) consumeToken(r *http.Request, tokenID string, want model.ChallengeType) (model.ApiKey, error) {
	apiKey, err := h.verifier.VerifyPair(r.Context(), r.Header.Get("X-API-Key"), r.Header.Get("X-Secret-Key"))
	if err != nil {
		return model.ApiKey{}, err
	}
	got, err := h.tokens.Consume(r.Context(), tokenID, apiKey.PublicID)
	if err != nil {
		return model.ApiKey{}, err
	}
	// Demo tokens carry no recorded type (they never touch the relational
	// store); any other mismatch is a structural failure.
	if got != "" && got != want {
		return model.ApiKey{}, apierr.New(apierr.KindInvalidToken, "captcha token does not match this challenge type")
	}
	return apiKey, nil
}

// recordUsage bumps the key's lifetime and per-day usage counters once a
// verify call has passed authentication (SPEC_FULL.md §5 usage.py
// supplement: incremented on verification, not on challenge issuance).
// Demo keys carry no row in api_keys and are skipped.
func (h *Handler) recordUsage(r *http.Request, apiKey model.ApiKey) {
	if h.usage == nil || apiKey.PublicID == "" || apiKey.IsDemo {
		return
	}
	if err := h.usage.RecordVerification(r.Context(), apiKey.PublicID); err != nil {
		h.logger.Error("recording api key usage", "error", err, "public_id", apiKey.PublicID)
	}
}

func (h *Handler) handleVerifyImageGrid(w http.ResponseWriter, r *http.Request) {
	var req ImageGridVerifyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	apiKey, err := h.consumeToken(r, req.CaptchaToken, model.ChallengeImage)
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	result, err := h.challenges.VerifyImageGrid(r.Context(), req.ChallengeID, req.Selections)
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	h.recordUsage(r, apiKey)
	httpserver.Respond(w, http.StatusOK, VerifyResponse{Success: result.Success, Attempts: result.Attempts})
}

func (h *Handler) handleVerifyAbstract(w http.ResponseWriter, r *http.Request) {
	var req AbstractVerifyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	apiKey, err := h.consumeToken(r, req.CaptchaToken, model.ChallengeAbstract)
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	result, err := h.challenges.VerifyAbstract(r.Context(), req.ChallengeID, req.Selections)
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	h.recordUsage(r, apiKey)
	httpserver.Respond(w, http.StatusOK, VerifyResponse{Success: result.Success, Attempts: result.Attempts})
}

func (h *Handler) handleVerifyHandwriting(w http.ResponseWriter, r *http.Request) {
	var req HandwritingVerifyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	apiKey, err := h.consumeToken(r, req.CaptchaToken, model.ChallengeHandwriting)
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	result, err := h.challenges.VerifyHandwriting(r.Context(), req.ChallengeID, req.ImageBase64)
	if err != nil {
		httpserver.RespondAPIError(w, err)
		return
	}
	h.recordUsage(r, apiKey)
	httpserver.Respond(w, http.StatusOK, VerifyResponse{Success: result.Success, Attempts: result.Attempts})
}
