package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/palisade-labs/gatekeeper/internal/kv"
)

func TestAllowWithinLimit(t *testing.T) {
	store := kv.NewMemoryStore()
	l := NewLimiter(store, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, ScopeIP, "1.2.3.4", 3)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed, count=%d limit=%d", i, res.Count, res.Limit)
		}
	}

	res, err := l.Allow(ctx, ScopeIP, "1.2.3.4", 3)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatalf("4th request should be rejected, count=%d limit=%d", res.Count, res.Limit)
	}
}

func TestAllowSeparatesPrincipalsAndScopes(t *testing.T) {
	store := kv.NewMemoryStore()
	l := NewLimiter(store, time.Minute)
	ctx := context.Background()

	if _, err := l.Allow(ctx, ScopeIP, "1.2.3.4", 1); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	res, err := l.Allow(ctx, ScopeIP, "5.6.7.8", 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("different principal should not share a counter")
	}

	res, err = l.Allow(ctx, ScopeKey, "1.2.3.4", 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("different scope should not share a counter")
	}
}

func TestAllowZeroLimitAlwaysAllows(t *testing.T) {
	store := kv.NewMemoryStore()
	l := NewLimiter(store, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := l.Allow(ctx, ScopeIP, "1.2.3.4", 0)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("zero limit should disable enforcement")
		}
	}
}
