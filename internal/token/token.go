// Package token implements the CaptchaToken lifecycle (spec.md §3, §4.4):
// minting a single-use, relationally-owned token that binds a session to
// the captcha tier the adaptive router selected, and consuming it exactly
// once at verification time.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
	"github.com/palisade-labs/gatekeeper/internal/model"
)

// DemoTokenPrefix and FallbackTokenPrefix mark tokens that never touch the
// relational store (§4.4): demo keys get an in-memory token, and any
// minting failure degrades to a fallback token the verifier will reject.
const (
	DemoTokenPrefix     = "demo_token_"
	FallbackTokenPrefix = "fallback_token_"
)

// Store persists and consumes CaptchaTokens in the relational store.
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewStore builds a Store whose minted tokens expire after ttl
// (GATEKEEPER_TOKEN_TTL, default 10m per spec.md §3).
func NewStore(pool *pgxpool.Pool, ttl time.Duration) *Store {
	return &Store{pool: pool, ttl: ttl}
}

// Mint generates a new URL-safe random token (>=32 bytes of entropy) and
// persists it for apiKeyID/userID/captchaType. On any persistence failure
// it still returns a usable token string prefixed fallback_token_ so the
// client flow isn't interrupted — the verifier will reject it later (§4.4).
func (s *Store) Mint(ctx context.Context, apiKeyID, userID string, captchaType model.ChallengeType) (string, error) {
	raw, err := randomToken()
	if err != nil {
		return fallbackToken(), fmt.Errorf("token: generate: %w", err)
	}

	expiresAt := time.Now().UTC().Add(s.ttl)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO captcha_tokens (token_id, api_key_id, user_id, captcha_type, expires_at, is_used)
		VALUES ($1, $2, $3, $4, $5, false)`,
		raw, apiKeyID, userID, string(captchaType), expiresAt)
	if err != nil {
		return fallbackToken(), fmt.Errorf("token: mint: %w", err)
	}
	return raw, nil
}

// MintDemo returns an in-memory token for demo keys, which never touch the
// relational store and never contribute to per-key daily stats (§4.1).
func MintDemo() (string, error) {
	raw, err := randomToken()
	if err != nil {
		return fallbackToken(), fmt.Errorf("token: generate demo: %w", err)
	}
	return DemoTokenPrefix + raw, nil
}

// Consume validates tokenID belongs to apiKeyID, is unexpired and unused,
// and atomically marks it used. The single-use guarantee rests entirely on
// the conditional UPDATE's WHERE clause: a concurrent second call observes
// zero rows affected and fails (spec.md §5, §8 property 1).
//
// Demo and fallback tokens never reach the relational store: demo tokens
// are accepted once per verify call (the caller is responsible for not
// replaying the client-side token across requests); fallback tokens always
// fail (§4.4 "the verifier will reject it").
func (s *Store) Consume(ctx context.Context, tokenID, apiKeyID string) (model.ChallengeType, error) {
	if len(tokenID) == 0 {
		return "", apierr.New(apierr.KindBadRequest, "captcha_token required")
	}
	if hasPrefix(tokenID, FallbackTokenPrefix) {
		return "", apierr.New(apierr.KindInvalidToken, "invalid or expired captcha token")
	}
	if hasPrefix(tokenID, DemoTokenPrefix) {
		return "", nil
	}

	var captchaType string
	err := s.pool.QueryRow(ctx, `
		UPDATE captcha_tokens
		SET is_used = true, used_at = NOW()
		WHERE token_id = $1 AND api_key_id = $2 AND is_used = false AND expires_at > NOW()
		RETURNING captcha_type`,
		tokenID, apiKeyID).Scan(&captchaType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apierr.New(apierr.KindInvalidToken, "invalid or expired captcha token")
		}
		return "", fmt.Errorf("token: consume: %w", err)
	}
	return model.ChallengeType(captchaType), nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func fallbackToken() string {
	raw, err := randomToken()
	if err != nil {
		raw = "unrecoverable"
	}
	return FallbackTokenPrefix + raw
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
