package security_test

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"ace-controller/internal/security"
)

type fakeNonceStore struct {
	seen map[string]bool
}

func newFakeNonceStore() *fakeNonceStore {
	return &fakeNonceStore{seen: make(map[string]bool)}
}

func (f *fakeNonceStore) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeNonceStore) RawKey(parts ...string) string {
	return "test:" + strings.Join(parts, ":")
}

func TestValidateNonceOK(t *testing.T) {
	st := newFakeNonceStore()
	if err := security.ValidateNonce(context.Background(), st, "nonce-1"); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestValidateNonceReplay(t *testing.T) {
	st := newFakeNonceStore()
	_ = security.ValidateNonce(context.Background(), st, "nonce-1")
	if err := security.ValidateNonce(context.Background(), st, "nonce-1"); err == nil {
		t.Fatal("expected replay error")
	}
}

func TestValidateNonceEmpty(t *testing.T) {
	st := newFakeNonceStore()
	if err := security.ValidateNonce(context.Background(), st, ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateTimestampWithinWindow(t *testing.T) {
	now := time.Now()
	ts := now.Add(-10 * time.Second).Unix()
	if err := security.ValidateTimestamp(strconv.FormatInt(ts, 10), now); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestValidateTimestampTooOld(t *testing.T) {
	now := time.Now()
	ts := now.Add(-10 * time.Minute).Unix()
	if err := security.ValidateTimestamp(strconv.FormatInt(ts, 10), now); err != security.ErrTimestampOutOfRange {
		t.Fatalf("expected out-of-range, got %v", err)
	}
}

func TestJWTIssueAndVerifyRoundTrip(t *testing.T) {
	secret := []byte("test-secret-key-material")
	issuer := security.NewJWTIssuer(secret, time.Hour)
	verifier := security.NewJWTVerifier(secret)

	token, ttl, err := issuer.Issue(context.Background(), "operator-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ttl <= 0 {
		t.Fatal("expected a positive ttl")
	}

	sub, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "operator-1" {
		t.Fatalf("expected subject operator-1, got %s", sub)
	}
}

func TestJWTVerifyRejectsWrongSecret(t *testing.T) {
	issuer := security.NewJWTIssuer([]byte("secret-a"), time.Hour)
	verifier := security.NewJWTVerifier([]byte("secret-b"))

	token, _, err := issuer.Issue(context.Background(), "operator-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected verification to fail under a different secret")
	}
}
