package token

import (
	"context"
	"testing"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
)

func TestMintDemoHasPrefixAndIsUnique(t *testing.T) {
	a, err := MintDemo()
	if err != nil {
		t.Fatalf("MintDemo: %v", err)
	}
	b, err := MintDemo()
	if err != nil {
		t.Fatalf("MintDemo: %v", err)
	}

	if !hasPrefix(a, DemoTokenPrefix) {
		t.Fatalf("expected demo token prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected two demo tokens to differ")
	}
}

func TestConsumeRejectsEmptyToken(t *testing.T) {
	s := &Store{}
	_, err := s.Consume(context.Background(), "", "key-1")
	if err == nil {
		t.Fatalf("expected error for empty token")
	}
	apiErr, ok := apierr.As(err)
	if !ok {
		t.Fatalf("expected apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Kind != apierr.KindBadRequest {
		t.Fatalf("expected KindBadRequest, got %v", apiErr.Kind)
	}
}

func TestConsumeRejectsFallbackTokenWithoutTouchingStore(t *testing.T) {
	s := &Store{}
	_, err := s.Consume(context.Background(), fallbackToken(), "key-1")
	if err == nil {
		t.Fatalf("expected fallback token to be rejected")
	}
	apiErr, ok := apierr.As(err)
	if !ok {
		t.Fatalf("expected apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Kind != apierr.KindInvalidToken {
		t.Fatalf("expected KindInvalidToken, got %v", apiErr.Kind)
	}
}

func TestConsumeAcceptsDemoTokenWithoutTouchingStore(t *testing.T) {
	s := &Store{}
	demo, err := MintDemo()
	if err != nil {
		t.Fatalf("MintDemo: %v", err)
	}
	captchaType, err := s.Consume(context.Background(), demo, "key-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if captchaType != "" {
		t.Fatalf("expected empty captcha type for demo token, got %q", captchaType)
	}
}

func TestHasPrefix(t *testing.T) {
	cases := []struct {
		s, prefix string
		want      bool
	}{
		{"demo_token_abc", DemoTokenPrefix, true},
		{"demo_token", DemoTokenPrefix, false},
		{"fallback_token_abc", DemoTokenPrefix, false},
		{"", DemoTokenPrefix, false},
	}
	for _, c := range cases {
		if got := hasPrefix(c.s, c.prefix); got != c.want {
			t.Errorf("hasPrefix(%q, %q) = %v, want %v", c.s, c.prefix, got, c.want)
		}
	}
}
