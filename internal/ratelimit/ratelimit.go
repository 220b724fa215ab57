// Package ratelimit implements the fixed-window counters behind the IP and
// API-key rate limits of spec.md §4.2. Windows are clock-aligned (bucketed
// by floor(now/window)) rather than sliding, using an INCR-then-EXPIRE
// counter; a KV outage fails open because refusing every request is worse
// than letting a burst through (§4.2, §9).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/palisade-labs/gatekeeper/internal/kv"
)

// Scope names the dimension a limit applies to.
type Scope string

const (
	ScopeIP  Scope = "ip"
	ScopeKey Scope = "key"
)

// Limiter enforces a fixed-window request ceiling per (scope, principal).
type Limiter struct {
	store  kv.Store
	window time.Duration
}

// NewLimiter builds a Limiter whose windows are window long.
func NewLimiter(store kv.Store, window time.Duration) *Limiter {
	return &Limiter{store: store, window: window}
}

// Result is the outcome of a single Allow check.
type Result struct {
	Allowed   bool
	Count     int64
	Limit     int
	ResetIn   time.Duration
}

// Allow increments the counter for (scope, principal) in the current
// window and reports whether the request stays within limit. On a KV
// error it fails open: the request is allowed and Count is reported as 0.
func (l *Limiter) Allow(ctx context.Context, scope Scope, principal string, limit int) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit}, nil
	}

	windowID := time.Now().UTC().Unix() / int64(l.window/time.Second)
	key := fmt.Sprintf("rate:%s:%s:%d", scope, principal, windowID)

	count, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return Result{Allowed: true, Limit: limit}, err
	}

	ttl, _ := l.store.TTL(ctx, key)
	return Result{
		Allowed: count <= int64(limit),
		Count:   count,
		Limit:   limit,
		ResetIn: ttl,
	}, nil
}
