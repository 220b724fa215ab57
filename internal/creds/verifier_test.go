package creds

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/palisade-labs/gatekeeper/internal/apierr"
)

type fakeRow struct {
	key    fakeKeyRow
	exists bool
}

type fakeKeyRow struct {
	publicID, secretHash, userID string
	isActive, isDemo             bool
	allowedOrigins               []string
	rpm, rpd                     int
	usage                        int64
	createdAt                    time.Time
}

func (r *fakeRow) Scan(dest ...any) error {
	if !r.exists {
		return pgx.ErrNoRows
	}
	*dest[0].(*string) = r.key.publicID
	*dest[1].(*string) = r.key.secretHash
	*dest[2].(*string) = r.key.userID
	*dest[3].(*bool) = r.key.isActive
	*dest[4].(*bool) = r.key.isDemo
	*dest[5].(*[]string) = r.key.allowedOrigins
	*dest[6].(*int) = r.key.rpm
	*dest[7].(*int) = r.key.rpd
	*dest[8].(*int64) = r.key.usage
	*dest[9].(*time.Time) = r.key.createdAt
	return nil
}

type fakeDB struct {
	byPublicID map[string]fakeKeyRow
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	id := args[0].(string)
	row, ok := f.byPublicID[id]
	return &fakeRow{key: row, exists: ok}
}

func TestVerifyPublicUnknownKey(t *testing.T) {
	v := NewVerifier(&fakeDB{byPublicID: map[string]fakeKeyRow{}}, "demo_public_key", "demo_secret_key")
	_, err := v.VerifyPublic(context.Background(), "pub_unknown")
	if !apierr.Is(err, apierr.KindInvalidCredentials) {
		t.Fatalf("got %v, want invalid_credentials", err)
	}
}

func TestVerifyPublicDemoKeyBypassesLookup(t *testing.T) {
	v := NewVerifier(&fakeDB{byPublicID: map[string]fakeKeyRow{}}, "demo_public_key", "demo_secret_key")
	key, err := v.VerifyPublic(context.Background(), "demo_public_key")
	if err != nil {
		t.Fatalf("VerifyPublic: %v", err)
	}
	if !key.IsDemo {
		t.Fatalf("expected demo key")
	}
}

func TestVerifyPairRejectsInactiveKey(t *testing.T) {
	v := NewVerifier(&fakeDB{byPublicID: map[string]fakeKeyRow{
		"pub_1": {publicID: "pub_1", secretHash: HashSecret("s3cret"), isActive: false},
	}}, "demo_public_key", "demo_secret_key")

	_, err := v.VerifyPair(context.Background(), "pub_1", "s3cret")
	if !apierr.Is(err, apierr.KindForbidden) {
		t.Fatalf("got %v, want forbidden", err)
	}
}

func TestVerifyPairRejectsWrongSecret(t *testing.T) {
	v := NewVerifier(&fakeDB{byPublicID: map[string]fakeKeyRow{
		"pub_1": {publicID: "pub_1", secretHash: HashSecret("s3cret"), isActive: true},
	}}, "demo_public_key", "demo_secret_key")

	_, err := v.VerifyPair(context.Background(), "pub_1", "wrong")
	if !apierr.Is(err, apierr.KindInvalidCredentials) {
		t.Fatalf("got %v, want invalid_credentials", err)
	}
}

func TestVerifyPairAcceptsMatchingSecret(t *testing.T) {
	v := NewVerifier(&fakeDB{byPublicID: map[string]fakeKeyRow{
		"pub_1": {publicID: "pub_1", secretHash: HashSecret("s3cret"), isActive: true, allowedOrigins: []string{"*"}},
	}}, "demo_public_key", "demo_secret_key")

	key, err := v.VerifyPair(context.Background(), "pub_1", "s3cret")
	if err != nil {
		t.Fatalf("VerifyPair: %v", err)
	}
	if key.PublicID != "pub_1" {
		t.Fatalf("got %+v", key)
	}
}

func TestVerifyPairDemoKeyChecksSecret(t *testing.T) {
	v := NewVerifier(&fakeDB{byPublicID: map[string]fakeKeyRow{}}, "demo_public_key", "demo_secret_key")

	if _, err := v.VerifyPair(context.Background(), "demo_public_key", "wrong"); !apierr.Is(err, apierr.KindInvalidCredentials) {
		t.Fatalf("got %v, want invalid_credentials", err)
	}
	if _, err := v.VerifyPair(context.Background(), "demo_public_key", "demo_secret_key"); err != nil {
		t.Fatalf("VerifyPair: %v", err)
	}
}
