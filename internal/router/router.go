// Package router implements the Adaptive Router (spec.md §4.4): the
// decision core that chains the pre-request IP gate, rate limiting,
// credential verification, session tracking, ML scoring, and tier
// selection into the single state machine diagrammed in §4.4, then mints
// the CaptchaToken that binds the outcome to a specific challenge family.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
	"github.com/palisade-labs/gatekeeper/internal/behavior"
	"github.com/palisade-labs/gatekeeper/internal/creds"
	"github.com/palisade-labs/gatekeeper/internal/model"
	"github.com/palisade-labs/gatekeeper/internal/ratelimit"
	"github.com/palisade-labs/gatekeeper/internal/session"
	"github.com/palisade-labs/gatekeeper/internal/suspicious"
	"github.com/palisade-labs/gatekeeper/internal/telemetry"
	"github.com/palisade-labs/gatekeeper/internal/token"
)

// TierThresholds is the table-driven tier-selection policy (spec.md §4.4:
// "Thresholds MUST be table-driven"). Bands are half-open: a score exactly
// at a threshold belongs to the higher tier. Resolved per SPEC_FULL.md §9.2.
type TierThresholds struct {
	Pass        float64 // score >= Pass => pass
	Image       float64 // Image <= score < Pass => image
	Abstract    float64 // Abstract <= score < Image => abstract
	Handwriting float64 // Handwriting <= score < Abstract => handwriting
	// score < Handwriting => suspicion (empty tier, bot_attempts increments)
}

// DefaultThresholds is the canonical table from spec.md §4.4.
var DefaultThresholds = TierThresholds{Pass: 90, Image: 60, Abstract: 40, Handwriting: 10}

// Tier resolves a confidence score and mobile flag to a captcha type and
// the legacy next_captcha field value, plus whether the score counts as
// "suspicious" for bot_attempts accounting (SPEC_FULL.md §9.3: score < 10).
func (t TierThresholds) Tier(score float64, mobile bool) (captchaType model.ChallengeType, nextCaptcha string, isSuspicious bool) {
	if mobile {
		return "", "pass", false
	}
	switch {
	case score >= t.Pass:
		return "", "pass", false
	case score >= t.Image:
		return model.ChallengeImage, "imagecaptcha", false
	case score >= t.Abstract:
		return model.ChallengeAbstract, "abstractcaptcha", false
	case score >= t.Handwriting:
		return model.ChallengeHandwriting, "handwritingcaptcha", false
	default:
		return "", "", true
	}
}

// Config bundles the Router's runtime knobs, decoupled from the
// service-wide config struct.
type Config struct {
	Thresholds TierThresholds

	IPPerMinute          int
	IPPerHour            int
	IPPerDay             int
	KeyPerMinuteFallback int
	KeyPerDayFallback    int

	TokenTTL time.Duration
}

// Router is the Adaptive Router.
type Router struct {
	cfg Config

	gate      *suspicious.Registry
	ipMinute  *ratelimit.Limiter
	ipHour    *ratelimit.Limiter
	ipDay     *ratelimit.Limiter
	keyMinute *ratelimit.Limiter
	keyDay    *ratelimit.Limiter
	verifier  *creds.Verifier
	sessions  *session.Store
	scorer    *behavior.Scorer
	tokens    *token.Store
}

// New builds a Router.
func New(cfg Config, gate *suspicious.Registry, ipMinute, ipHour, ipDay, keyMinute, keyDay *ratelimit.Limiter,
	verifier *creds.Verifier, sessions *session.Store, scorer *behavior.Scorer, tokens *token.Store) *Router {
	return &Router{
		cfg: cfg, gate: gate,
		ipMinute: ipMinute, ipHour: ipHour, ipDay: ipDay,
		keyMinute: keyMinute, keyDay: keyDay,
		verifier: verifier, sessions: sessions, scorer: scorer, tokens: tokens,
	}
}

// Request carries the inputs to one /api/next-captcha call.
type Request struct {
	PublicKey    string
	SecretKey    string // optional; presence selects public+secret verification
	IP           string
	UserAgent    string
	BehaviorData string
	SessionID    string // optional; a fresh UUID is minted if empty
}

// Response is the JSON payload for /api/next-captcha (spec.md §6).
type Response struct {
	ConfidenceScore  float64             `json:"confidence_score"`
	CaptchaType      model.ChallengeType `json:"captcha_type"`
	NextCaptcha      *string             `json:"next_captcha"`
	CaptchaToken     *string             `json:"captcha_token"`
	SessionID        string              `json:"session_id"`
	IsBlocked        bool                `json:"is_blocked"`
	Attempts         int                 `json:"attempts"`
	LowScoreAttempts int                 `json:"low_score_attempts"`
}

// Handle runs the full adaptive-routing state machine (spec.md §4.4
// diagram) and returns the decision payload, or an *apierr.Error for any
// of the gate/rate-limit/credential failures that short-circuit it.
func (r *Router) Handle(ctx context.Context, req Request) (Response, error) {
	// 1. Pre-request IP gate (§4.3). Fail-open on gate errors; a positive
	// match is a hard denial with no further side effects.
	blocked, err := r.gate.IsBlocked(ctx, req.IP)
	if err == nil && blocked {
		return Response{}, apierr.New(apierr.KindForbidden, "ip address is blocked")
	}

	// 2. IP rate check (minute/hour/day, §4.2).
	if err := r.checkIPRate(ctx, req.IP, req.PublicKey); err != nil {
		return Response{}, err
	}

	// 3. Credential verification: public-only, or public+secret if a
	// secret was supplied (the client may call this endpoint either way
	// per spec.md §6).
	apiKey, err := r.authenticate(ctx, req.PublicKey, req.SecretKey)
	if err != nil {
		return Response{}, err
	}

	// 4. Per-key rate check (minute/day), skipped for demo keys (§4.1).
	if !apiKey.IsDemo {
		if err := r.checkKeyRate(ctx, apiKey); err != nil {
			return Response{}, err
		}
	}

	// 5. Session upsert/lookup.
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess, err := r.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Response{}, fmt.Errorf("router: session lookup: %w", err)
	}
	if sess.IsBlocked {
		return blockedResponse(sessionID, sess), nil
	}

	// 6. Score via ML (defaults to ML_DEFAULT_SCORE_ON_FAILURE on error).
	mobile := behavior.IsMobile(req.UserAgent)
	scoreResult := r.scorer.Score(ctx, sessionID, req.IP, req.UserAgent, req.BehaviorData)

	// 7. Tier selection + bot-attempt accounting.
	captchaType, nextCaptcha, isSuspicious := r.cfg.Thresholds.Tier(scoreResult.ConfidenceScore, mobile)

	// Mobile visitors bypass attempt tracking entirely — their behavior is
	// never scored for suspicion, matching spec.md §4.4's mobile bypass.
	if !mobile {
		sess, err = r.sessions.RecordAttempt(ctx, sessionID, isSuspicious)
		if err != nil {
			return Response{}, fmt.Errorf("router: record attempt: %w", err)
		}
		if sess.IsBlocked {
			return blockedResponse(sessionID, sess), nil
		}
	}

	telemetry.TierDecisionsTotal.WithLabelValues(tierLabel(captchaType, nextCaptcha)).Inc()

	resp := Response{
		ConfidenceScore:  scoreResult.ConfidenceScore,
		CaptchaType:      captchaType,
		SessionID:        sessionID,
		IsBlocked:        false,
		Attempts:         sess.Attempts,
		LowScoreAttempts: sess.BotAttempts,
	}
	if nextCaptcha != "" {
		resp.NextCaptcha = &nextCaptcha
	}

	// 8. Mint the CaptchaToken, unless this is a "pass" or "suspicion"
	// outcome (no challenge means no token to bind).
	if captchaType != "" {
		tok, err := r.mintToken(ctx, apiKey, captchaType)
		if err != nil {
			return Response{}, err
		}
		resp.CaptchaToken = &tok
	}

	return resp, nil
}

func (r *Router) checkIPRate(ctx context.Context, ip, apiKey string) error {
	checks := []struct {
		limiter *ratelimit.Limiter
		window  string
		limit   int
	}{
		{r.ipMinute, "minute", r.cfg.IPPerMinute},
		{r.ipHour, "hour", r.cfg.IPPerHour},
		{r.ipDay, "day", r.cfg.IPPerDay},
	}
	for _, c := range checks {
		result, err := c.limiter.Allow(ctx, ratelimit.ScopeIP, ip, c.limit)
		outcome := "allowed"
		if err == nil && !result.Allowed {
			outcome = "limited"
		}
		telemetry.RateLimitDecisionsTotal.WithLabelValues(string(ratelimit.ScopeIP), c.window, outcome).Inc()
		if err == nil && !result.Allowed {
			// The registry's own IsBlocked gate already fails open on
			// errors; a violation-recording error here is treated the
			// same way, the rate-limit rejection still stands.
			_, _ = r.gate.RecordViolation(ctx, ip, apiKey, fmt.Sprintf("rate_limit_exceeded_%s", c.window))
			return apierr.RateLimited(int(result.ResetIn.Seconds()))
		}
	}
	return nil
}

func (r *Router) checkKeyRate(ctx context.Context, apiKey model.ApiKey) error {
	perMinute := apiKey.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = r.cfg.KeyPerMinuteFallback
	}
	perDay := apiKey.RateLimitPerDay
	if perDay <= 0 {
		perDay = r.cfg.KeyPerDayFallback
	}

	checks := []struct {
		limiter *ratelimit.Limiter
		window  string
		limit   int
	}{
		{r.keyMinute, "minute", perMinute},
		{r.keyDay, "day", perDay},
	}
	for _, c := range checks {
		result, err := c.limiter.Allow(ctx, ratelimit.ScopeKey, apiKey.PublicID, c.limit)
		outcome := "allowed"
		if err == nil && !result.Allowed {
			outcome = "limited"
		}
		telemetry.RateLimitDecisionsTotal.WithLabelValues(string(ratelimit.ScopeKey), c.window, outcome).Inc()
		if err == nil && !result.Allowed {
			return apierr.RateLimited(int(result.ResetIn.Seconds()))
		}
	}
	return nil
}

func (r *Router) authenticate(ctx context.Context, publicKey, secretKey string) (model.ApiKey, error) {
	if secretKey != "" {
		return r.verifier.VerifyPair(ctx, publicKey, secretKey)
	}
	return r.verifier.VerifyPublic(ctx, publicKey)
}

func (r *Router) mintToken(ctx context.Context, apiKey model.ApiKey, captchaType model.ChallengeType) (string, error) {
	if apiKey.IsDemo {
		return token.MintDemo()
	}
	tok, err := r.tokens.Mint(ctx, apiKey.PublicID, apiKey.UserID, captchaType)
	if err != nil {
		// Mint already degrades internally to a fallback token on error;
		// the request still succeeds so the client flow isn't broken
		// (spec.md §4.4 "fallback_token_ ... keep the client flow alive").
		return tok, nil
	}
	return tok, nil
}

func blockedResponse(sessionID string, sess model.CheckboxSession) Response {
	return Response{
		SessionID:        sessionID,
		IsBlocked:        true,
		Attempts:         sess.Attempts,
		LowScoreAttempts: sess.BotAttempts,
	}
}

func tierLabel(captchaType model.ChallengeType, nextCaptcha string) string {
	if captchaType != "" {
		return string(captchaType)
	}
	if nextCaptcha == "pass" {
		return "pass"
	}
	return "suspicion"
}
