package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/palisade-labs/gatekeeper/internal/model"
)

const apiKeyColumns = `public_id, secret_hash, user_id, is_active, is_demo, allowed_origins, rate_limit_per_minute, rate_limit_per_day, usage_count, created_at`

// Store provides database operations for API keys.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an API key Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateParams holds parameters for creating an API key.
type CreateParams struct {
	PublicID           string
	SecretHash         string
	UserID             string
	AllowedOrigins     []string
	RateLimitPerMinute int
	RateLimitPerDay    int
}

func scanApiKeyRow(row pgx.Row) (model.ApiKey, error) {
	var k model.ApiKey
	var origins []string
	err := row.Scan(&k.PublicID, &k.SecretHash, &k.UserID, &k.IsActive, &k.IsDemo,
		&origins, &k.RateLimitPerMinute, &k.RateLimitPerDay, &k.UsageCount, &k.CreatedAt)
	k.AllowedOrigins = origins
	return k, err
}

// List returns every API key belonging to userID, newest first.
func (s *Store) List(ctx context.Context, userID string) ([]model.ApiKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var items []model.ApiKey
	for rows.Next() {
		k, err := scanApiKeyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		items = append(items, k)
	}
	return items, rows.Err()
}

// Create inserts a new API key and returns the created row.
func (s *Store) Create(ctx context.Context, p CreateParams) (model.ApiKey, error) {
	query := `INSERT INTO api_keys (public_id, secret_hash, user_id, is_active, is_demo, allowed_origins, rate_limit_per_minute, rate_limit_per_day)
	VALUES ($1, $2, $3, true, false, $4, $5, $6)
	RETURNING ` + apiKeyColumns

	row := s.pool.QueryRow(ctx, query, p.PublicID, p.SecretHash, p.UserID, p.AllowedOrigins, p.RateLimitPerMinute, p.RateLimitPerDay)
	return scanApiKeyRow(row)
}

// Deactivate flips is_active to false rather than deleting the row, so
// usage history and rate-limit counters remain attributable.
func (s *Store) Deactivate(ctx context.Context, publicID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active = false WHERE public_id = $1`, publicID)
	if err != nil {
		return fmt.Errorf("deactivating api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// IncrementUsage bumps the lifetime usage counter for publicID. Called from
// the verify handlers on every successful authenticated verification, never
// on challenge issuance (SPEC_FULL.md §5 usage.py supplement).
func (s *Store) IncrementUsage(ctx context.Context, publicID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET usage_count = usage_count + 1 WHERE public_id = $1`, publicID)
	if err != nil {
		return fmt.Errorf("incrementing api key usage: %w", err)
	}
	return nil
}

// IncrementDailyUsage upserts the per-day usage counter for publicID's key,
// keyed by the UTC calendar day. Mirrors IncrementUsage's call sites
// exactly: one row per key per day, incremented alongside the lifetime
// counter.
func (s *Store) IncrementDailyUsage(ctx context.Context, apiKeyID string, day time.Time) error {
	query := `INSERT INTO api_key_daily_usage (api_key_id, day, count)
	VALUES ($1, $2, 1)
	ON CONFLICT (api_key_id, day) DO UPDATE SET count = api_key_daily_usage.count + 1`
	_, err := s.pool.Exec(ctx, query, apiKeyID, day.UTC().Truncate(24*time.Hour))
	if err != nil {
		return fmt.Errorf("incrementing api key daily usage: %w", err)
	}
	return nil
}

// DailyUsage returns the daily usage counters for apiKeyID, most recent
// day first.
func (s *Store) DailyUsage(ctx context.Context, apiKeyID string) ([]model.DailyUsage, error) {
	query := `SELECT day, count FROM api_key_daily_usage WHERE api_key_id = $1 ORDER BY day DESC`
	rows, err := s.pool.Query(ctx, query, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("listing api key daily usage: %w", err)
	}
	defer rows.Close()

	var items []model.DailyUsage
	for rows.Next() {
		var u model.DailyUsage
		if err := rows.Scan(&u.Day, &u.Count); err != nil {
			return nil, fmt.Errorf("scanning daily usage row: %w", err)
		}
		items = append(items, u)
	}
	return items, rows.Err()
}
