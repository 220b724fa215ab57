package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/model"
	"github.com/palisade-labs/gatekeeper/internal/signing"
)

func TestSortedUniqueDedupsAndSorts(t *testing.T) {
	got := sortedUnique([]int{3, 1, 2, 1, 3})
	want := []int{1, 2, 3}
	if !intSlicesEqual(got, want) {
		t.Fatalf("sortedUnique(%v) = %v, want %v", []int{3, 1, 2, 1, 3}, got, want)
	}
}

func TestIntSlicesEqual(t *testing.T) {
	if !intSlicesEqual([]int{1, 2}, []int{1, 2}) {
		t.Fatalf("expected equal slices to compare equal")
	}
	if intSlicesEqual([]int{1, 2}, []int{1, 2, 3}) {
		t.Fatalf("expected different-length slices to compare unequal")
	}
	if intSlicesEqual([]int{1, 2}, []int{2, 1}) {
		t.Fatalf("expected different-order slices to compare unequal")
	}
}

func TestDestroyed(t *testing.T) {
	if !destroyed(3, true, 1) {
		t.Fatalf("expected success to destroy regardless of attempts")
	}
	if destroyed(3, false, 2) {
		t.Fatalf("expected attempts below ceiling to survive")
	}
	if !destroyed(3, false, 3) {
		t.Fatalf("expected attempts at ceiling to destroy")
	}
}

func newTestStore(t *testing.T, cfg Config) (*Store, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	signer, err := signing.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return NewStore(store, nil, nil, nil, signer, cfg), store
}

func TestClientURLDirectWhenProxyModeDisabled(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	got := s.clientURL(abstractFamily, "cid-1", 0, "https://cdn.example.com/x.png")
	if got != "https://cdn.example.com/x.png" {
		t.Fatalf("expected direct CDN URL, got %q", got)
	}
}

func TestClientURLProxyWhenEnabled(t *testing.T) {
	s, _ := newTestStore(t, Config{ImageProxyMode: true})
	got := s.clientURL(abstractFamily, "cid-1", 2, "https://cdn.example.com/x.png")
	want := "/api/image/abstract/cid-1/2?sig=" + s.signer.Sign("cid-1", 2)
	if got != want {
		t.Fatalf("clientURL = %q, want %q", got, want)
	}
}

func TestVerifyImageSignature(t *testing.T) {
	s, _ := newTestStore(t, Config{ImageProxyMode: true})
	sig := s.signer.Sign("cid-1", 1)
	if !s.VerifyImageSignature("cid-1", 1, sig) {
		t.Fatalf("expected valid signature to verify")
	}
	if s.VerifyImageSignature("cid-1", 2, sig) {
		t.Fatalf("expected mismatched index to fail verification")
	}
}

func TestResolveImageURLAbstract(t *testing.T) {
	s, store := newTestStore(t, Config{TTL: time.Minute})
	ctx := context.Background()
	doc := model.AbstractChallenge{
		CID:       "cid-1",
		ImageURLs: []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"},
	}
	if err := store.SetJSON(ctx, kvKey(abstractFamily, "cid-1"), doc, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	url, err := s.ResolveImageURL(ctx, abstractFamily, "cid-1", 1)
	if err != nil {
		t.Fatalf("ResolveImageURL: %v", err)
	}
	if url != "https://cdn.example.com/b.png" {
		t.Fatalf("ResolveImageURL = %q, want b.png", url)
	}

	if _, err := s.ResolveImageURL(ctx, abstractFamily, "cid-1", 5); err == nil {
		t.Fatalf("expected out-of-range index to error")
	}
	if _, err := s.ResolveImageURL(ctx, abstractFamily, "missing-cid", 0); err == nil {
		t.Fatalf("expected missing challenge to error")
	}
}

func TestVerifyAbstractSuccessDestroysChallenge(t *testing.T) {
	s, store := newTestStore(t, Config{TTL: time.Minute, AbstractAttemptCeiling: 3})
	ctx := context.Background()
	doc := model.AbstractChallenge{
		CID:        "cid-1",
		IsPositive: []bool{true, false, true, false},
	}
	if err := store.SetJSON(ctx, kvKey(abstractFamily, "cid-1"), doc, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	result, err := s.VerifyAbstract(ctx, "cid-1", []int{0, 2})
	if err != nil {
		t.Fatalf("VerifyAbstract: %v", err)
	}
	if !result.Success || result.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	var gone model.AbstractChallenge
	if err := store.GetJSON(ctx, kvKey(abstractFamily, "cid-1"), &gone); err != kv.ErrNotFound {
		t.Fatalf("expected challenge to be destroyed on success, got err=%v", err)
	}
}

func TestVerifyAbstractWrongSelectionSurvivesUntilCeiling(t *testing.T) {
	s, store := newTestStore(t, Config{TTL: time.Minute, AbstractAttemptCeiling: 2})
	ctx := context.Background()
	doc := model.AbstractChallenge{
		CID:        "cid-1",
		IsPositive: []bool{true, false},
	}
	if err := store.SetJSON(ctx, kvKey(abstractFamily, "cid-1"), doc, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	result, err := s.VerifyAbstract(ctx, "cid-1", []int{1})
	if err != nil {
		t.Fatalf("VerifyAbstract: %v", err)
	}
	if result.Success || result.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	var persisted model.AbstractChallenge
	if err := store.GetJSON(ctx, kvKey(abstractFamily, "cid-1"), &persisted); err != nil {
		t.Fatalf("expected challenge to survive below the attempt ceiling: %v", err)
	}

	result, err = s.VerifyAbstract(ctx, "cid-1", []int{1})
	if err != nil {
		t.Fatalf("VerifyAbstract (second attempt): %v", err)
	}
	if result.Success || result.Attempts != 2 {
		t.Fatalf("unexpected result on ceiling attempt: %+v", result)
	}
	if err := store.GetJSON(ctx, kvKey(abstractFamily, "cid-1"), &persisted); err != kv.ErrNotFound {
		t.Fatalf("expected challenge to be destroyed once the ceiling is reached, got err=%v", err)
	}
}

func TestVerifyAbstractMissingChallenge(t *testing.T) {
	s, _ := newTestStore(t, Config{TTL: time.Minute, AbstractAttemptCeiling: 3})
	_, err := s.VerifyAbstract(context.Background(), "missing", []int{0})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestVerifyImageGridSuccess(t *testing.T) {
	s, store := newTestStore(t, Config{TTL: time.Minute, ImageGridAttemptCeiling: 3})
	ctx := context.Background()
	doc := model.ImageGridChallenge{
		CID:          "cid-1",
		CorrectCells: []int{2, 5, 9},
	}
	if err := store.SetJSON(ctx, kvKey(imageGridFamily, "cid-1"), doc, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	result, err := s.VerifyImageGrid(ctx, "cid-1", []int{9, 2, 5})
	if err != nil {
		t.Fatalf("VerifyImageGrid: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success regardless of selection order, got %+v", result)
	}
}
