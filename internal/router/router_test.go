package router

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/model"
	"github.com/palisade-labs/gatekeeper/internal/ratelimit"
	"github.com/palisade-labs/gatekeeper/internal/suspicious"
)

func TestTierThresholdsBands(t *testing.T) {
	cases := []struct {
		name            string
		score           float64
		mobile          bool
		wantType        model.ChallengeType
		wantNext        string
		wantSuspicious  bool
	}{
		{"mobile always passes", 1, true, "", "pass", false},
		{"at pass threshold", 90, false, "", "pass", false},
		{"just below pass", 89.9, false, model.ChallengeImage, "imagecaptcha", false},
		{"at image threshold", 60, false, model.ChallengeImage, "imagecaptcha", false},
		{"at abstract threshold", 40, false, model.ChallengeAbstract, "abstractcaptcha", false},
		{"at handwriting threshold", 10, false, model.ChallengeHandwriting, "handwritingcaptcha", false},
		{"below handwriting threshold", 9.9, false, "", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gotType, gotNext, gotSuspicious := DefaultThresholds.Tier(c.score, c.mobile)
			if gotType != c.wantType || gotNext != c.wantNext || gotSuspicious != c.wantSuspicious {
				t.Errorf("Tier(%v, %v) = (%q, %q, %v), want (%q, %q, %v)",
					c.score, c.mobile, gotType, gotNext, gotSuspicious, c.wantType, c.wantNext, c.wantSuspicious)
			}
		})
	}
}

func TestTierLabel(t *testing.T) {
	if got := tierLabel(model.ChallengeImage, "imagecaptcha"); got != "image" {
		t.Errorf("tierLabel with captcha type = %q, want image", got)
	}
	if got := tierLabel("", "pass"); got != "pass" {
		t.Errorf("tierLabel pass = %q, want pass", got)
	}
	if got := tierLabel("", ""); got != "suspicion" {
		t.Errorf("tierLabel suspicion = %q, want suspicion", got)
	}
}

// fakeArchive is a no-op stand-in for suspicious.Archive, enough to let
// the registry's persist/load paths run without a live database.
type fakeArchive struct {
	execCalls int
}

func (f *fakeArchive) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	f.execCalls++
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeArchive) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeArchive) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return &fakeArchiveRow{}
}

type fakeArchiveRow struct{}

func (*fakeArchiveRow) Scan(_ ...any) error { return pgx.ErrNoRows }

func TestCheckIPRateRecordsSuspiciousViolationOnLimitExceeded(t *testing.T) {
	archive := &fakeArchive{}
	gate := suspicious.NewRegistry(kv.NewMemoryStore(), archive, time.Hour)
	ipMinute := ratelimit.NewLimiter(kv.NewMemoryStore(), time.Minute)
	r := New(Config{IPPerMinute: 1}, gate, ipMinute, nil, nil, nil, nil, nil, nil, nil, nil)
	ctx := context.Background()

	if err := r.checkIPRate(ctx, "1.2.3.4", "pub_1"); err != nil {
		t.Fatalf("first request within limit should be allowed: %v", err)
	}
	if err := r.checkIPRate(ctx, "1.2.3.4", "pub_1"); err == nil {
		t.Fatalf("expected the second request to be rate limited")
	}
	if archive.execCalls == 0 {
		t.Fatalf("expected a rate-limit exceedance to record a suspicious-IP violation")
	}
}

func TestBlockedResponse(t *testing.T) {
	sess := model.CheckboxSession{Attempts: 4, BotAttempts: 3, IsBlocked: true}
	resp := blockedResponse("session-1", sess)
	if !resp.IsBlocked || resp.SessionID != "session-1" {
		t.Fatalf("unexpected blocked response: %+v", resp)
	}
	if resp.Attempts != 4 || resp.LowScoreAttempts != 3 {
		t.Fatalf("expected blocked response to carry session counters, got %+v", resp)
	}
	if resp.CaptchaType != "" || resp.NextCaptcha != nil || resp.CaptchaToken != nil {
		t.Fatalf("expected a blocked response to carry no challenge fields, got %+v", resp)
	}
}
