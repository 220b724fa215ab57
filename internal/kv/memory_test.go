package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	if err := s.SetJSON(ctx, "k1", payload{Name: "abstract"}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var got payload
	if err := s.GetJSON(ctx, "k1", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.Name != "abstract" {
		t.Fatalf("got %+v", got)
	}

	if err := s.Del(ctx, "k1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := s.GetJSON(ctx, "k1", &got); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SetJSON(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	var dst string
	if err := s.GetJSON(ctx, "k", &dst); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after TTL elapsed, got %v", err)
	}
}

// TestIncrMath verifies the round-trip/idempotence property from spec.md
// §8: incr raises the counter by exactly 1, and sequential incrs sum.
func TestIncrMath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v1, err := s.Incr(ctx, "rate:ip:1.2.3.4:100", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("first incr = %d, want 1", v1)
	}

	v2, err := s.Incr(ctx, "rate:ip:1.2.3.4:100", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("second incr = %d, want 2 (initial+2 across two incrs)", v2)
	}
}

func TestSetMembership(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SAdd(ctx, "blocked", "1.1.1.1", "2.2.2.2"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	members, err := s.SMembers(ctx, "blocked")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}

	if err := s.SRem(ctx, "blocked", "1.1.1.1"); err != nil {
		t.Fatalf("SRem: %v", err)
	}
	members, _ = s.SMembers(ctx, "blocked")
	if len(members) != 1 || members[0] != "2.2.2.2" {
		t.Fatalf("got %v after SRem", members)
	}
}
