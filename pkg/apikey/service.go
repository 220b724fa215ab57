package apikey

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/palisade-labs/gatekeeper/internal/creds"
)

// Service encapsulates API key provisioning logic for the admin surface.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// NewService creates an API key Service backed by the given connection pool.
func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{store: NewStore(pool), logger: logger}
}

// List returns every API key belonging to userID.
func (s *Service) List(ctx context.Context, userID string) ([]Response, error) {
	rows, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}

	items := make([]Response, 0, len(rows))
	for _, k := range rows {
		items = append(items, toResponse(k.PublicID, k.UserID, k.IsActive, k.IsDemo, k.AllowedOrigins, k.RateLimitPerMinute, k.RateLimitPerDay, k.UsageCount, k.CreatedAt))
	}
	return items, nil
}

// Create generates a new public/secret key pair, stores the secret's hash,
// and returns the raw secret once.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	publicID, secret, err := generateKeyPair()
	if err != nil {
		return CreateResponse{}, fmt.Errorf("generating key pair: %w", err)
	}

	row, err := s.store.Create(ctx, CreateParams{
		PublicID:           publicID,
		SecretHash:         creds.HashSecret(secret),
		UserID:             req.UserID,
		AllowedOrigins:     req.AllowedOrigins,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerDay:    req.RateLimitPerDay,
	})
	if err != nil {
		return CreateResponse{}, fmt.Errorf("creating api key: %w", err)
	}

	return CreateResponse{
		Response:  toResponse(row.PublicID, row.UserID, row.IsActive, row.IsDemo, row.AllowedOrigins, row.RateLimitPerMinute, row.RateLimitPerDay, row.UsageCount, row.CreatedAt),
		SecretKey: secret,
	}, nil
}

// Deactivate disables an API key so the Credential Verifier refuses it.
func (s *Service) Deactivate(ctx context.Context, publicID string) error {
	if err := s.store.Deactivate(ctx, publicID); err != nil {
		return fmt.Errorf("deactivating api key: %w", err)
	}
	return nil
}

// RecordVerification bumps publicID's lifetime and today's daily usage
// counters. Called once per authenticated verify call, regardless of
// whether the visitor's answer was correct (SPEC_FULL.md §5 usage.py
// supplement: usage tracks API consumption, not challenge outcomes).
func (s *Service) RecordVerification(ctx context.Context, publicID string) error {
	if err := s.store.IncrementUsage(ctx, publicID); err != nil {
		return err
	}
	return s.store.IncrementDailyUsage(ctx, publicID, time.Now())
}

// Usage returns publicID's daily usage history.
func (s *Service) Usage(ctx context.Context, publicID string) (UsageResponse, error) {
	rows, err := s.store.DailyUsage(ctx, publicID)
	if err != nil {
		return UsageResponse{}, fmt.Errorf("loading api key usage: %w", err)
	}

	days := make([]DailyUsageEntry, len(rows))
	var total int64
	for i, row := range rows {
		days[i] = DailyUsageEntry{Day: row.Day.Format("2006-01-02"), Count: row.Count}
		total += row.Count
	}
	return UsageResponse{PublicID: publicID, TotalUsage: total, Days: days}, nil
}

// generateKeyPair creates a random public_id/secret_key pair. The public
// ID is safe to log and embed client-side; the secret is shown once and
// never stored in recoverable form (§4.1).
func generateKeyPair() (publicID, secret string, err error) {
	pubBytes := make([]byte, 12)
	if _, err := rand.Read(pubBytes); err != nil {
		return "", "", fmt.Errorf("reading random bytes: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("reading random bytes: %w", err)
	}

	publicID = fmt.Sprintf("pub_%x", pubBytes)
	secret = fmt.Sprintf("sk_%x", secretBytes)
	return publicID, secret, nil
}
