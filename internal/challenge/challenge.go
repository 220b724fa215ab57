// Package challenge builds and verifies the three challenge families the
// adaptive router escalates to (spec.md §4.5, §4.6): abstract image
// selection, image-grid object selection, and handwriting OCR. Each
// family's state lives in the KV store for the lifetime of CAPTCHA_TTL and
// is deleted on the first terminal outcome (pass, or attempt ceiling
// reached), matching the source's "challenge documents are ephemeral"
// contract (§3, §9).
package challenge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
	"github.com/palisade-labs/gatekeeper/internal/cdn"
	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/manifest"
	"github.com/palisade-labs/gatekeeper/internal/mlclient"
	"github.com/palisade-labs/gatekeeper/internal/model"
	"github.com/palisade-labs/gatekeeper/internal/signing"
)

func kvKey(family string, cid string) string {
	return fmt.Sprintf("%s:%s", family, cid)
}

// Config bundles the knobs that shape challenge construction and the
// attempt ceilings governing when a challenge is destroyed (spec.md §9
// open question 1).
type Config struct {
	TTL time.Duration

	AbstractAttemptCeiling    int
	ImageGridAttemptCeiling   int
	HandwritingAttemptCeiling int

	AbstractMinPositives int
	AbstractMaxPositives int
	// AbstractMode selects positive/negative selection for CreateAbstract:
	// "remote" (default) trusts the manifest's class/key partition;
	// "local" scores a candidate pool via the ML batch-probability
	// endpoint (spec.md §4.5.1).
	AbstractMode string

	// ImageProxyMode, when true, replaces every CDN URL handed to the
	// client with a signed link at this service's own /api/image
	// endpoint instead of the CDN URL directly (spec.md §4.7).
	ImageProxyMode bool
}

// Store builds and verifies challenges of every family over a shared KV
// backend, manifest client, and CDN URL builder.
type Store struct {
	kv       kv.Store
	manifest *manifest.Store
	cdn      *cdn.Builder
	ml       *mlclient.Client
	signer   *signing.Signer
	cfg      Config
}

// NewStore builds a challenge Store. signer may be nil, which disables
// image-proxy mode regardless of cfg.ImageProxyMode.
func NewStore(store kv.Store, manifestStore *manifest.Store, cdnBuilder *cdn.Builder, ml *mlclient.Client, signer *signing.Signer, cfg Config) *Store {
	return &Store{kv: store, manifest: manifestStore, cdn: cdnBuilder, ml: ml, signer: signer, cfg: cfg}
}

// clientURL returns the URL handed to the client for the index'th image of
// family/cid: the CDN URL directly in CDN mode, or a signed proxy link
// when image-proxy mode is configured (spec.md §4.7).
func (s *Store) clientURL(family, cid string, index int, cdnURL string) string {
	if s.signer == nil || !s.cfg.ImageProxyMode {
		return cdnURL
	}
	sig := s.signer.Sign(cid, index)
	return fmt.Sprintf("/api/image/%s/%s/%d?sig=%s", family, cid, index, sig)
}

// VerifyImageSignature reports whether sig is a valid signature for
// (cid, index). Used by the proxy endpoint and, optionally, by verify
// calls that supply signatures for post-hoc integrity checks (§4.7).
func (s *Store) VerifyImageSignature(cid string, index int, sig string) bool {
	if s.signer == nil {
		return false
	}
	return s.signer.Verify(cid, index, sig)
}

// ResolveImageURL returns the real CDN URL behind a proxy link, for the
// image-proxy endpoint to redirect to once the signature checks out.
func (s *Store) ResolveImageURL(ctx context.Context, family, cid string, index int) (string, error) {
	switch family {
	case abstractFamily:
		var doc model.AbstractChallenge
		if err := s.kv.GetJSON(ctx, kvKey(family, cid), &doc); err != nil {
			return "", translateNotFound(err)
		}
		if index < 0 || index >= len(doc.ImageURLs) {
			return "", notFoundErr()
		}
		return doc.ImageURLs[index], nil
	case imageGridFamily:
		var doc model.ImageGridChallenge
		if err := s.kv.GetJSON(ctx, kvKey(family, cid), &doc); err != nil {
			return "", translateNotFound(err)
		}
		return doc.ImageURL, nil
	case handwritingFamily:
		var doc model.HandwritingChallenge
		if err := s.kv.GetJSON(ctx, kvKey(family, cid), &doc); err != nil {
			return "", translateNotFound(err)
		}
		if index < 0 || index >= len(doc.Samples) {
			return "", notFoundErr()
		}
		return doc.Samples[index], nil
	default:
		return "", notFoundErr()
	}
}

func translateNotFound(err error) error {
	if err == kv.ErrNotFound {
		return notFoundErr()
	}
	return err
}

// Result is the outcome of one verification attempt.
type Result struct {
	Success  bool
	Attempts int
}

func destroyed(ceiling int, success bool, attempts int) bool {
	return success || attempts >= ceiling
}

func randN(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.Intn(n)
}

func sortedUnique(xs []int) []int {
	seen := make(map[int]struct{}, len(xs))
	out := make([]int, 0, len(xs))
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	sort.Ints(out)
	return out
}

func intSlicesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newChallengeID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// errNoManifestData wraps manifest.ErrEmpty and similar conditions into the
// closed error-kind set (spec.md §7 service_unavailable).
func errNoManifestData(err error) error {
	if err == nil || errors.Is(err, manifest.ErrEmpty) {
		return apierr.New(apierr.KindServiceUnavailable, "no challenge material available")
	}
	return fmt.Errorf("challenge: manifest: %w", err)
}

// notFoundErr is returned whenever a challenge ID has no backing document —
// either it never existed or the KV store has already expired it (expiry
// is enforced by the store itself: RedisStore via key TTL, MemoryStore via
// purge-on-read, so a separate expired-but-present state never arises).
func notFoundErr() error {
	return apierr.New(apierr.KindNotFound, "challenge not found")
}
