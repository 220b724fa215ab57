package apikey

import (
	"strings"
	"testing"
	"time"
)

func TestToResponseNormalizesNilOrigins(t *testing.T) {
	resp := toResponse("pub_1", "user-1", true, false, nil, 60, 1000, 5, time.Now())
	if resp.AllowedOrigins == nil {
		t.Fatalf("expected non-nil AllowedOrigins")
	}
	if len(resp.AllowedOrigins) != 0 {
		t.Fatalf("expected empty AllowedOrigins, got %v", resp.AllowedOrigins)
	}
}

func TestToResponsePreservesFields(t *testing.T) {
	now := time.Now()
	resp := toResponse("pub_1", "user-1", true, true, []string{"https://example.com"}, 60, 1000, 5, now)
	if resp.PublicID != "pub_1" || resp.UserID != "user-1" || !resp.IsActive || !resp.IsDemo {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.RateLimitPerMinute != 60 || resp.RateLimitPerDay != 1000 || resp.UsageCount != 5 {
		t.Fatalf("unexpected limits/usage: %+v", resp)
	}
	if len(resp.AllowedOrigins) != 1 || resp.AllowedOrigins[0] != "https://example.com" {
		t.Fatalf("unexpected origins: %v", resp.AllowedOrigins)
	}
}

func TestGenerateKeyPairPrefixesAndUniqueness(t *testing.T) {
	pub1, secret1, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	pub2, secret2, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}

	if !strings.HasPrefix(pub1, "pub_") {
		t.Fatalf("expected public id to have pub_ prefix, got %q", pub1)
	}
	if !strings.HasPrefix(secret1, "sk_") {
		t.Fatalf("expected secret to have sk_ prefix, got %q", secret1)
	}
	if pub1 == pub2 || secret1 == secret2 {
		t.Fatalf("expected distinct key pairs across calls")
	}
}
