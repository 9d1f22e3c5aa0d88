package authgate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestSessionStore() (*mfaSessionStore, *memCache, *fakeClock) {
	cache := newMemCache()
	clock := newFakeClock()
	return newMFASessionStore(cache, clock), cache, clock
}

func TestMFASessionRoundTrip(t *testing.T) {
	store, _, clock := newTestSessionStore()

	in := &mfaSession{
		AccountID:     "acc-1",
		TenantRef:     "t1",
		UserType:      "tenant",
		Method:        "sms",
		Code:          "123456",
		CodeExpiresAt: clock.Now().Add(5 * time.Minute).Unix(),
		ExpiresAt:     clock.Now().Add(10 * time.Minute).Unix(),
		Attempts:      2,
	}

	if err := store.SaveSession(context.Background(), "s1", in, 10*time.Minute); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	out, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestMFASessionUnknown(t *testing.T) {
	store, _, _ := newTestSessionStore()
	if _, err := store.GetSession(context.Background(), "nope"); !errors.Is(err, errMFASessionNotFound) {
		t.Fatalf("expected errMFASessionNotFound, got %v", err)
	}
}

func TestMFASessionExpiryDeletesRecord(t *testing.T) {
	store, cache, clock := newTestSessionStore()

	in := &mfaSession{AccountID: "acc-1", Method: "totp", ExpiresAt: clock.Now().Add(time.Minute).Unix()}
	_ = store.SaveSession(context.Background(), "s1", in, time.Minute)

	clock.Advance(2 * time.Minute)

	if _, err := store.GetSession(context.Background(), "s1"); !errors.Is(err, errMFASessionExpired) {
		t.Fatalf("expected errMFASessionExpired, got %v", err)
	}
	if cache.has("mfs:s1") {
		t.Fatal("expected expired record removed from cache")
	}
}

func TestMFASessionDeleteReportsRemoval(t *testing.T) {
	store, _, clock := newTestSessionStore()

	in := &mfaSession{AccountID: "acc-1", Method: "totp", ExpiresAt: clock.Now().Add(time.Minute).Unix()}
	_ = store.SaveSession(context.Background(), "s1", in, time.Minute)

	deleted, err := store.DeleteSession(context.Background(), "s1")
	if err != nil || !deleted {
		t.Fatalf("expected first delete to report removal, got %v %v", deleted, err)
	}

	deleted, err = store.DeleteSession(context.Background(), "s1")
	if err != nil || deleted {
		t.Fatalf("expected second delete to report nothing removed, got %v %v", deleted, err)
	}
}

func TestMFASessionRecordFailure(t *testing.T) {
	store, cache, clock := newTestSessionStore()

	in := &mfaSession{AccountID: "acc-1", Method: "totp", ExpiresAt: clock.Now().Add(10 * time.Minute).Unix()}
	_ = store.SaveSession(context.Background(), "s1", in, 10*time.Minute)

	exceeded, err := store.RecordFailure(context.Background(), "s1", 3)
	if err != nil || exceeded {
		t.Fatalf("first failure: exceeded=%v err=%v", exceeded, err)
	}
	out, _ := store.GetSession(context.Background(), "s1")
	if out.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", out.Attempts)
	}

	if exceeded, _ = store.RecordFailure(context.Background(), "s1", 3); exceeded {
		t.Fatal("second failure should not exceed")
	}
	if exceeded, _ = store.RecordFailure(context.Background(), "s1", 3); !exceeded {
		t.Fatal("third failure should exceed")
	}
	if cache.has("mfs:s1") {
		t.Fatal("expected session deleted at max attempts")
	}
}

func TestMFASetupChallengeRoundTrip(t *testing.T) {
	store, _, clock := newTestSessionStore()

	in := &mfaSetupChallenge{
		Method:      "email",
		Code:        "654321",
		Destination: "alice@example.com",
		ExpiresAt:   clock.Now().Add(10 * time.Minute).Unix(),
	}
	if err := store.SaveSetup(context.Background(), "system", "acc-1", in, 10*time.Minute); err != nil {
		t.Fatalf("SaveSetup failed: %v", err)
	}

	out, err := store.GetSetup(context.Background(), "system", "acc-1")
	if err != nil {
		t.Fatalf("GetSetup failed: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}

	// scoped per account and realm
	if _, err := store.GetSetup(context.Background(), "system", "acc-2"); !errors.Is(err, errMFASessionNotFound) {
		t.Fatalf("expected miss for other account, got %v", err)
	}
	if _, err := store.GetSetup(context.Background(), "t1", "acc-1"); !errors.Is(err, errMFASessionNotFound) {
		t.Fatalf("expected miss for other realm, got %v", err)
	}
}

func TestMFASessionBackendErrorWraps(t *testing.T) {
	store, cache, _ := newTestSessionStore()
	cache.failGet = errors.New("connection refused")

	if _, err := store.GetSession(context.Background(), "s1"); !errors.Is(err, errMFASessionBackend) {
		t.Fatalf("expected errMFASessionBackend, got %v", err)
	}
}

func TestDecodeMFASessionRejectsBadVersion(t *testing.T) {
	in := &mfaSession{AccountID: "acc-1", Method: "totp", ExpiresAt: 123}
	data, err := encodeMFASession(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	data[0] = 99
	if _, err := decodeMFASession(data); err == nil {
		t.Fatal("expected version mismatch error")
	}

	if _, err := decodeMFASession(data[:3]); err == nil {
		t.Fatal("expected truncation error")
	}
}
