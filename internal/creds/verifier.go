// Package creds implements the Credential Verifier (spec.md §4.1): looking
// up an API key by its public ID, and, for verification endpoints,
// confirming the paired secret. A hard-coded demo key pair bypasses the
// relational lookup entirely so the public demo page works without
// provisioning a row.
package creds

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
	"github.com/palisade-labs/gatekeeper/internal/model"
)

// DB is the narrow slice of *pgxpool.Pool the verifier needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Verifier resolves and authenticates API keys.
type Verifier struct {
	db            DB
	demoPublicKey string
	demoSecret    string
}

// NewVerifier builds a Verifier. demoPublicKey/demoSecret come from
// configuration (GATEKEEPER_DEMO_PUBLIC_KEY / GATEKEEPER_DEMO_SECRET).
func NewVerifier(db DB, demoPublicKey, demoSecret string) *Verifier {
	return &Verifier{db: db, demoPublicKey: demoPublicKey, demoSecret: demoSecret}
}

// VerifyPublic resolves publicKey to its ApiKey row (or the synthetic demo
// key) without checking a secret. Used by issuance endpoints, which only
// ever see the public key (§4.1).
func (v *Verifier) VerifyPublic(ctx context.Context, publicKey string) (model.ApiKey, error) {
	if publicKey == "" {
		return model.ApiKey{}, apierr.New(apierr.KindUnauthorized, "missing API key")
	}
	if publicKey == v.demoPublicKey {
		return v.demoKey(), nil
	}

	key, err := v.lookup(ctx, publicKey)
	if err != nil {
		return model.ApiKey{}, err
	}
	return key, nil
}

// VerifyPair resolves publicKey and checks secretKey against its stored
// hash, or against the configured demo secret when the key is demo-flagged.
// Used by verification endpoints (§4.1, §4.6), which require both.
func (v *Verifier) VerifyPair(ctx context.Context, publicKey, secretKey string) (model.ApiKey, error) {
	if publicKey == "" || secretKey == "" {
		return model.ApiKey{}, apierr.New(apierr.KindUnauthorized, "missing API key or secret key")
	}

	if publicKey == v.demoPublicKey {
		if subtle.ConstantTimeCompare([]byte(secretKey), []byte(v.demoSecret)) != 1 {
			return model.ApiKey{}, apierr.New(apierr.KindInvalidCredentials, "invalid secret key")
		}
		return v.demoKey(), nil
	}

	key, err := v.lookup(ctx, publicKey)
	if err != nil {
		return model.ApiKey{}, err
	}

	if key.IsDemo {
		if subtle.ConstantTimeCompare([]byte(secretKey), []byte(v.demoSecret)) != 1 {
			return model.ApiKey{}, apierr.New(apierr.KindInvalidCredentials, "invalid secret key")
		}
		return key, nil
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(secretKey)), []byte(key.SecretHash)) != 1 {
		return model.ApiKey{}, apierr.New(apierr.KindInvalidCredentials, "invalid secret key")
	}
	return key, nil
}

func (v *Verifier) lookup(ctx context.Context, publicKey string) (model.ApiKey, error) {
	var key model.ApiKey
	var allowedOrigins []string
	err := v.db.QueryRow(ctx, `
		SELECT public_id, secret_hash, user_id, is_active, is_demo,
		       allowed_origins, rate_limit_per_minute, rate_limit_per_day,
		       usage_count, created_at
		FROM api_keys WHERE public_id = $1`, publicKey).Scan(
		&key.PublicID, &key.SecretHash, &key.UserID, &key.IsActive, &key.IsDemo,
		&allowedOrigins, &key.RateLimitPerMinute, &key.RateLimitPerDay,
		&key.UsageCount, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApiKey{}, apierr.New(apierr.KindInvalidCredentials, "unknown API key")
		}
		return model.ApiKey{}, fmt.Errorf("creds: lookup: %w", err)
	}
	key.AllowedOrigins = allowedOrigins

	if !key.IsActive {
		return model.ApiKey{}, apierr.New(apierr.KindForbidden, "API key is inactive")
	}
	return key, nil
}

// demoKey returns the synthetic, unlimited-within-reason demo credential.
func (v *Verifier) demoKey() model.ApiKey {
	return model.ApiKey{
		PublicID:           v.demoPublicKey,
		IsActive:           true,
		IsDemo:             true,
		AllowedOrigins:     []string{"*"},
		RateLimitPerMinute: 10,
		RateLimitPerDay:    200,
	}
}

// hashSecret mirrors how secrets are hashed at provisioning time
// (internal/creds.HashSecret), so the comparison never touches plaintext
// once the value has left the request body.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashSecret exposes the hash function to the provisioning path
// (pkg/apikey) so both sides of the comparison stay in lock-step.
func HashSecret(secret string) string {
	return hashSecret(secret)
}
