package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/palisade-labs/gatekeeper/internal/challenge"
	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/model"
	"github.com/palisade-labs/gatekeeper/internal/signing"
)

func newImageProxyHandler(t *testing.T) (*Handler, kv.Store, *signing.Signer) {
	t.Helper()
	store := kv.NewMemoryStore()
	signer, err := signing.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	challenges := challenge.NewStore(store, nil, nil, nil, signer, challenge.Config{
		TTL:            time.Minute,
		ImageProxyMode: true,
	})
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, challenges, nil, nil, nil)
	return h, store, signer
}

func TestHandleImageProxyRedirectsOnValidSignature(t *testing.T) {
	h, store, signer := newImageProxyHandler(t)
	ctx := context.Background()

	doc := model.AbstractChallenge{
		CID:       "cid-1",
		ImageURLs: []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"},
	}
	if err := store.SetJSON(ctx, "abstract:cid-1", doc, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	sig := signer.Sign("cid-1", 1)
	r := h.Routes()
	req := httptest.NewRequest(http.MethodGet, "/image/abstract/cid-1/1?sig="+sig, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "https://cdn.example.com/b.png" {
		t.Fatalf("expected redirect to b.png, got %q", loc)
	}
}

func TestHandleImageProxyRejectsBadSignature(t *testing.T) {
	h, store, _ := newImageProxyHandler(t)
	ctx := context.Background()

	doc := model.AbstractChallenge{
		CID:       "cid-1",
		ImageURLs: []string{"https://cdn.example.com/a.png"},
	}
	if err := store.SetJSON(ctx, "abstract:cid-1", doc, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	r := h.Routes()
	req := httptest.NewRequest(http.MethodGet, "/image/abstract/cid-1/0?sig=not-a-real-signature", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code == http.StatusFound {
		t.Fatalf("expected a bad signature to be rejected, got a redirect: %s", rec.Header().Get("Location"))
	}
}

func TestHandleImageProxyRejectsNonNumericIndex(t *testing.T) {
	h, _, _ := newImageProxyHandler(t)

	r := h.Routes()
	req := httptest.NewRequest(http.MethodGet, "/image/abstract/cid-1/not-a-number?sig=x", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric index, got %d", rec.Code)
	}
}
