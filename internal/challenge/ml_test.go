package challenge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/mlclient"
	"github.com/palisade-labs/gatekeeper/internal/model"
	"github.com/palisade-labs/gatekeeper/internal/signing"
)

func newMLTestStore(t *testing.T, cfg Config, mlSrv *httptest.Server) (*Store, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	signer, err := signing.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	ml := mlclient.NewClient(mlSrv.URL, mlSrv.URL, time.Second, 100, 10, 75)
	return NewStore(store, nil, nil, ml, signer, cfg), store
}

func TestSelectAbstractLocalRanksCandidatesByMLScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"probabilities": map[string]float64{
				"other-1": 0.9,
				"other-2": 0.1,
			},
		})
	}))
	defer srv.Close()

	s, _ := newMLTestStore(t, Config{AbstractMode: "local", AbstractMinPositives: 2, AbstractMaxPositives: 2}, srv)

	positives, negatives := s.selectAbstractLocal(context.Background(), "cat",
		[]string{"cat-1"}, []string{"other-1", "other-2"})

	if len(positives) != 2 {
		t.Fatalf("expected guaranteed positive plus one ML-scored positive, got %v", positives)
	}
	if positives[0] != "cat-1" {
		t.Fatalf("expected guaranteed class key first, got %v", positives)
	}
	if positives[1] != "other-1" {
		t.Fatalf("expected the higher-scoring candidate as the extra positive, got %v", positives)
	}
	if len(negatives) != 1 || negatives[0] != "other-2" {
		t.Fatalf("expected the lower-scoring candidate as the negative, got %v", negatives)
	}
}

func TestSelectAbstractLocalFallsBackOnMLFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, _ := newMLTestStore(t, Config{AbstractMode: "local", AbstractMinPositives: 1, AbstractMaxPositives: 1}, srv)

	positives, negatives := s.selectAbstractLocal(context.Background(), "cat",
		[]string{"cat-1"}, []string{"other-1", "other-2"})

	if len(positives)+len(negatives) != 3 {
		t.Fatalf("expected every candidate placed somewhere despite ML failure, got pos=%v neg=%v", positives, negatives)
	}
}

func TestVerifyHandwritingForwardsLexicon(t *testing.T) {
	var gotLexicon []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mlclient.TextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotLexicon = req.Lexicon
		json.NewEncoder(w).Encode(map[string]string{"class": "금붕어"})
	}))
	defer srv.Close()

	s, store := newMLTestStore(t, Config{TTL: time.Minute, HandwritingAttemptCeiling: 2}, srv)
	ctx := context.Background()

	doc := model.HandwritingChallenge{
		CID:           "cid-1",
		TargetClass:   "금붕어",
		AnswerClasses: answerClasses("금붕어"),
	}
	if err := store.SetJSON(ctx, kvKey(handwritingFamily, "cid-1"), doc, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	result, err := s.VerifyHandwriting(ctx, "cid-1", "base64data")
	if err != nil {
		t.Fatalf("VerifyHandwriting: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected recognized class to match target class, got %+v", result)
	}
	if len(gotLexicon) != 1 || gotLexicon[0] != "금붕어" {
		t.Fatalf("expected the target class forwarded as a single-entry lexicon, got %v", gotLexicon)
	}
}

func TestAnswerClassesIncludesSynonymsAndTargetClass(t *testing.T) {
	got := answerClasses("금붕어")
	want := map[string]bool{"금붕어": true, "물고기": true}
	if len(got) != len(want) {
		t.Fatalf("answerClasses(금붕어) = %v, want %v entries", got, want)
	}
	for _, c := range got {
		if !want[c] {
			t.Fatalf("unexpected answer class %q", c)
		}
	}
}

func TestAnswerClassesFallsBackToTargetClassOnly(t *testing.T) {
	got := answerClasses("unknown-class")
	if len(got) != 1 || got[0] != "unknown-class" {
		t.Fatalf("answerClasses(unknown-class) = %v, want [unknown-class]", got)
	}
}

func TestNormalizeTextStripsPunctuationAndSpacing(t *testing.T) {
	cases := map[string]string{
		"금붕어.":     "금붕어",
		"Gold Fish": "goldfish",
		"  CAT  ":   "cat",
	}
	for in, want := range cases {
		if got := normalizeText(in); got != want {
			t.Errorf("normalizeText(%q) = %q, want %q", in, got, want)
		}
	}
}
