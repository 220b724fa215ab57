// Package suspicious implements the Suspicious-IP Registry (spec.md §3,
// §4.3): a KV-resident hot path consulted on every request, backed by a
// relational archive so blocks survive a KV flush and the admin surface
// can list/search them.
package suspicious

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/model"
)

func hotKey(ip string) string {
	return fmt.Sprintf("suspicious:%s", ip)
}

// Archive is the narrow slice of pgxpool.Pool the registry needs. A
// *pgxpool.Pool satisfies it without adaptation; tests pass a fake so the
// archive fallback path runs without a live database.
type Archive interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry is the pre-request gate plus violation tracker.
type Registry struct {
	store kv.Store
	db    Archive
	ttl   time.Duration
}

// NewRegistry builds a Registry whose hot-path entries expire ttl after
// their last write (config's GATEKEEPER_SUSPICIOUS_TTL), blocked or not;
// after expiry IsBlocked falls back to the archive.
func NewRegistry(store kv.Store, db Archive, ttl time.Duration) *Registry {
	return &Registry{store: store, db: db, ttl: ttl}
}

// IsBlocked is the pre-request gate: it checks the hot path first and
// falls back to the relational archive on a cache miss, repopulating the
// hot path so subsequent requests avoid the database round-trip.
func (r *Registry) IsBlocked(ctx context.Context, ip string) (bool, error) {
	var rec model.SuspiciousIP
	err := r.store.GetJSON(ctx, hotKey(ip), &rec)
	if err == nil {
		return rec.IsBlocked, nil
	}
	if err != kv.ErrNotFound {
		return false, err
	}

	rec, found, err := r.loadFromArchive(ctx, ip)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	_ = r.store.SetJSON(ctx, hotKey(ip), rec, r.ttl)
	return rec.IsBlocked, nil
}

// RecordViolation appends a violation, persists the updated record to both
// the hot path and the archive, and returns the resulting record so the
// caller (the adaptive router) can decide whether to escalate.
func (r *Registry) RecordViolation(ctx context.Context, ip, apiKey, reason string) (model.SuspiciousIP, error) {
	now := time.Now().UTC()

	rec, found, err := r.load(ctx, ip)
	if err != nil {
		return model.SuspiciousIP{}, err
	}
	if !found {
		rec = model.SuspiciousIP{
			IPAddress:     ip,
			APIKey:        apiKey,
			FirstDetected: now,
		}
	}
	rec.LastViolation = now
	rec.ViolationCount++
	rec.Violations = append(rec.Violations, model.Violation{At: now, Reason: reason})

	if err := r.persist(ctx, rec); err != nil {
		return model.SuspiciousIP{}, err
	}
	return rec, nil
}

// Block marks ip as blocked with reason, persisting to both layers.
func (r *Registry) Block(ctx context.Context, ip, reason string) (model.SuspiciousIP, error) {
	rec, found, err := r.load(ctx, ip)
	if err != nil {
		return model.SuspiciousIP{}, err
	}
	if !found {
		rec = model.SuspiciousIP{IPAddress: ip, FirstDetected: time.Now().UTC()}
	}
	now := time.Now().UTC()
	rec.IsBlocked = true
	rec.BlockedAt = &now
	rec.BlockReason = reason

	if err := r.persist(ctx, rec); err != nil {
		return model.SuspiciousIP{}, err
	}
	return rec, nil
}

// Unblock clears the blocked state for ip.
func (r *Registry) Unblock(ctx context.Context, ip string) error {
	rec, found, err := r.load(ctx, ip)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rec.IsBlocked = false
	rec.BlockedAt = nil
	rec.BlockReason = ""
	return r.persist(ctx, rec)
}

// List returns every archived suspicious-IP record, most recent violation
// first, for the admin surface (GET /api/admin/ips).
func (r *Registry) List(ctx context.Context) ([]model.SuspiciousIP, error) {
	rows, err := r.db.Query(ctx, `
		SELECT ip_address, api_key, first_detected, last_violation,
		       violation_count, is_blocked, blocked_at, block_reason
		FROM suspicious_ips
		ORDER BY last_violation DESC`)
	if err != nil {
		return nil, fmt.Errorf("suspicious: list: %w", err)
	}
	defer rows.Close()

	var out []model.SuspiciousIP
	for rows.Next() {
		var rec model.SuspiciousIP
		if err := rows.Scan(&rec.IPAddress, &rec.APIKey, &rec.FirstDetected, &rec.LastViolation,
			&rec.ViolationCount, &rec.IsBlocked, &rec.BlockedAt, &rec.BlockReason); err != nil {
			return nil, fmt.Errorf("suspicious: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Registry) load(ctx context.Context, ip string) (model.SuspiciousIP, bool, error) {
	var rec model.SuspiciousIP
	err := r.store.GetJSON(ctx, hotKey(ip), &rec)
	if err == nil {
		return rec, true, nil
	}
	if err != kv.ErrNotFound {
		return model.SuspiciousIP{}, false, err
	}
	return r.loadFromArchive(ctx, ip)
}

func (r *Registry) loadFromArchive(ctx context.Context, ip string) (model.SuspiciousIP, bool, error) {
	var rec model.SuspiciousIP
	err := r.db.QueryRow(ctx, `
		SELECT ip_address, api_key, first_detected, last_violation,
		       violation_count, is_blocked, blocked_at, block_reason
		FROM suspicious_ips WHERE ip_address = $1`, ip).Scan(
		&rec.IPAddress, &rec.APIKey, &rec.FirstDetected, &rec.LastViolation,
		&rec.ViolationCount, &rec.IsBlocked, &rec.BlockedAt, &rec.BlockReason)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.SuspiciousIP{}, false, nil
		}
		return model.SuspiciousIP{}, false, fmt.Errorf("suspicious: load archive: %w", err)
	}
	return rec, true, nil
}

// persist writes rec to the hot path and upserts it into the archive. The
// violation list itself is not archived relationally (it is KV-resident
// detail per §3); the archive carries only the aggregate fields the admin
// surface and pre-request gate need.
func (r *Registry) persist(ctx context.Context, rec model.SuspiciousIP) error {
	if err := r.store.SetJSON(ctx, hotKey(rec.IPAddress), rec, r.ttl); err != nil {
		return err
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO suspicious_ips (ip_address, api_key, first_detected, last_violation,
			violation_count, is_blocked, blocked_at, block_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ip_address) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			last_violation = EXCLUDED.last_violation,
			violation_count = EXCLUDED.violation_count,
			is_blocked = EXCLUDED.is_blocked,
			blocked_at = EXCLUDED.blocked_at,
			block_reason = EXCLUDED.block_reason`,
		rec.IPAddress, rec.APIKey, rec.FirstDetected, rec.LastViolation,
		rec.ViolationCount, rec.IsBlocked, rec.BlockedAt, rec.BlockReason)
	if err != nil {
		return fmt.Errorf("suspicious: persist archive: %w", err)
	}
	return nil
}
