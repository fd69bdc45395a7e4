package credentials

import (
	"errors"
	"testing"
	"time"

	"artex/pkg/kvstore"
)

func newTestStore(t *testing.T) (*Store, *kvstore.MemoryKV) {
	t.Helper()
	kv := kvstore.NewMemoryKV()
	return NewStore(kv, nil), kv
}

func TestPutAndResolve(t *testing.T) {
	store, kv := newTestStore(t)

	_, err := store.Put("alice", "tok-1", []string{
		"session=abc123; Path=/; HttpOnly",
		"csrftoken=xyz",
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	cred, err := store.Resolve("alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cred.Token != "tok-1" {
		t.Errorf("expected token tok-1, got %q", cred.Token)
	}
	if got := cred.CookieHeader(); got != "session=abc123; csrftoken=xyz" {
		t.Errorf("unexpected cookie header: %q", got)
	}

	// Put must have written through to the durable backend
	if kv.Count() != 1 {
		t.Errorf("expected 1 persisted credential, got %d", kv.Count())
	}
}

func TestUpdateMergesCookies(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Put("alice", "tok-1", []string{"a=1", "b=2"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Incoming values win on collision, absent names are kept
	if _, err := store.Update("alice", []string{"b=3", "c=4"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	header, err := store.CookieHeader("alice")
	if err != nil {
		t.Fatalf("CookieHeader failed: %v", err)
	}
	if header != "a=1; b=3; c=4" {
		t.Errorf("expected merged header 'a=1; b=3; c=4', got %q", header)
	}

	// The token is immutable after creation
	token, err := store.Token("alice")
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("expected token preserved, got %q", token)
	}
}

func TestUpdateMissingFails(t *testing.T) {
	store, kv := newTestStore(t)

	// Update never creates a credential
	if _, err := store.Update("bob", []string{"s=1"}); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}

	if _, err := store.Resolve("bob"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("failed update must not leave a credential behind, got %v", err)
	}
	if kv.Count() != 0 {
		t.Errorf("failed update must not persist anything, count=%d", kv.Count())
	}
}

func TestExpiredCredentialIsEvicted(t *testing.T) {
	store, kv := newTestStore(t)

	if _, err := store.Put("carol", "tok", []string{
		"session=abc; Expires=Wed, 01 Jan 2020 00:00:00 GMT",
		"other=val",
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// One expired cookie invalidates the whole credential
	_, err := store.Resolve("carol")
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}

	// Eviction hits both tiers
	if kv.Count() != 0 {
		t.Errorf("expected durable backend eviction, count=%d", kv.Count())
	}
	_, err = store.Resolve("carol")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound after eviction, got %v", err)
	}
}

func TestExpiryBoundary(t *testing.T) {
	store, _ := newTestStore(t)
	expiry := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.Put("dave", "tok", []string{
		"session=abc; Expires=" + expiry.Format(time.RFC1123),
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Just before expiry the credential is live
	store.now = func() time.Time { return expiry.Add(-time.Second) }
	if _, err := store.Resolve("dave"); err != nil {
		t.Errorf("expected live credential before expiry, got %v", err)
	}

	// At the expiry instant it is expired
	store.now = func() time.Time { return expiry }
	if _, err := store.Resolve("dave"); !errors.Is(err, ErrCredentialExpired) {
		t.Errorf("expected ErrCredentialExpired at expiry instant, got %v", err)
	}
}

func TestResolveHydratesFromBackend(t *testing.T) {
	kv := kvstore.NewMemoryKV()
	first := NewStore(kv, nil)
	if _, err := first.Put("erin", "tok", []string{"s=1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A fresh store over the same backend must see the credential
	second := NewStore(kv, nil)
	cred, err := second.Resolve("erin")
	if err != nil {
		t.Fatalf("Resolve from backend failed: %v", err)
	}
	if cred.Token != "tok" {
		t.Errorf("expected token tok, got %q", cred.Token)
	}
	if cred.CookieHeader() != "s=1" {
		t.Errorf("unexpected header: %q", cred.CookieHeader())
	}
}

func TestInvalidate(t *testing.T) {
	store, kv := newTestStore(t)
	if _, err := store.Put("frank", "tok", []string{"s=1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Invalidate("frank"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := store.Resolve("frank"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}
	if kv.Count() != 0 {
		t.Errorf("expected backend cleared, count=%d", kv.Count())
	}
}

func TestRevokedCookieOmittedFromHeader(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Put("gail", "tok", []string{
		"good=1",
		"revoked=EXPIRED",
		"empty=",
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	header, err := store.CookieHeader("gail")
	if err != nil {
		t.Fatalf("CookieHeader failed: %v", err)
	}
	if header != "good=1" {
		t.Errorf("expected only live cookies in header, got %q", header)
	}
}

func TestResolveAuthKey(t *testing.T) {
	key, err := ResolveAuthKey("explicit", "fallback")
	if err != nil || key != "explicit" {
		t.Errorf("expected explicit key, got %q err=%v", key, err)
	}

	key, err = ResolveAuthKey("", "", "second")
	if err != nil || key != "second" {
		t.Errorf("expected first non-empty fallback, got %q err=%v", key, err)
	}

	if _, err := ResolveAuthKey(""); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}
}
