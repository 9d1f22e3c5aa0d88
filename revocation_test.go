package authgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRevocationIndex() (*revocationIndex, *memCache, *memTokenStore, *fakeClock) {
	cache := newMemCache()
	clock := newFakeClock()
	tokens := newMemTokenStore(clock)
	index := newRevocationIndex(cache, tokens, clock, 500*time.Millisecond, zap.NewNop())
	return index, cache, tokens, clock
}

func TestRevokeWritesDurableAndCache(t *testing.T) {
	index, cache, tokens, clock := newTestRevocationIndex()

	err := index.Revoke(context.Background(), RevokedToken{
		JTI:       "jti-1",
		AccountID: "acc-1",
		UserType:  UserTypeTenant,
		TenantID:  "t1",
		ExpiresAt: clock.Now().Add(15 * time.Minute),
		Reason:    "logout",
	})
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	rec, err := tokens.FindRevokedAccessToken(context.Background(), "jti-1")
	if err != nil {
		t.Fatalf("expected durable tombstone, got %v", err)
	}
	if rec.UserType != UserTypeTenant || rec.TenantID != "t1" || rec.Reason != "logout" {
		t.Fatalf("tombstone dropped attribution: %+v", rec)
	}
	if rec.RevokedAt.IsZero() {
		t.Fatal("expected RevokedAt stamped")
	}
	if !cache.has("rvk:jti-1") {
		t.Fatal("expected cache entry")
	}
}

func TestRevokeSurvivesCacheWriteFailure(t *testing.T) {
	index, cache, tokens, clock := newTestRevocationIndex()
	cache.failSet = errors.New("cache down")

	if err := index.Revoke(context.Background(), RevokedToken{
		JTI:       "jti-1",
		AccountID: "acc-1",
		ExpiresAt: clock.Now().Add(15 * time.Minute),
	}); err != nil {
		t.Fatalf("expected durable-only revoke to succeed, got %v", err)
	}
	if _, err := tokens.FindRevokedAccessToken(context.Background(), "jti-1"); err != nil {
		t.Fatalf("expected durable tombstone, got %v", err)
	}
}

func TestRevokeExpiredTokenSkipsCache(t *testing.T) {
	index, cache, _, clock := newTestRevocationIndex()

	if err := index.Revoke(context.Background(), RevokedToken{
		JTI:       "jti-1",
		AccountID: "acc-1",
		ExpiresAt: clock.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if cache.has("rvk:jti-1") {
		t.Fatal("expected no cache entry for an already-expired token")
	}
}

func TestIsRevokedCacheHit(t *testing.T) {
	index, cache, tokens, _ := newTestRevocationIndex()
	_ = cache.Set(context.Background(), "rvk:jti-1", []byte{1}, 0)

	// the durable store must not be needed on a cache hit
	tokens.findRevokedErr = errors.New("store down")

	revoked, err := index.IsRevoked(context.Background(), "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected cache hit, got revoked=%v err=%v", revoked, err)
	}
}

func TestIsRevokedDurableFallbackRepopulatesCache(t *testing.T) {
	index, cache, tokens, clock := newTestRevocationIndex()

	_ = tokens.InsertRevokedAccessToken(context.Background(), &RevokedToken{
		JTI:       "jti-1",
		AccountID: "acc-1",
		ExpiresAt: clock.Now().Add(15 * time.Minute),
		RevokedAt: clock.Now(),
	})

	revoked, err := index.IsRevoked(context.Background(), "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected durable hit, got revoked=%v err=%v", revoked, err)
	}
	if !cache.has("rvk:jti-1") {
		t.Fatal("expected cache repopulated from durable hit")
	}
}

func TestIsRevokedMissEverywhere(t *testing.T) {
	index, _, _, _ := newTestRevocationIndex()

	revoked, err := index.IsRevoked(context.Background(), "jti-1")
	if err != nil || revoked {
		t.Fatalf("expected clean miss, got revoked=%v err=%v", revoked, err)
	}
}

func TestIsRevokedFailsClosed(t *testing.T) {
	index, _, tokens, _ := newTestRevocationIndex()
	tokens.findRevokedErr = errors.New("store down")

	_, err := index.IsRevoked(context.Background(), "jti-1")
	if !errors.Is(err, ErrRevocationUnavailable) {
		t.Fatalf("expected ErrRevocationUnavailable, got %v", err)
	}

	var lookup *LookupError
	if !errors.As(err, &lookup) || lookup.Err == nil {
		t.Fatalf("expected LookupError wrapping the cause, got %v", err)
	}
}

func TestIsRevokedCacheErrorFallsThroughToDurable(t *testing.T) {
	index, cache, tokens, clock := newTestRevocationIndex()
	cache.failGet = errors.New("cache down")

	_ = tokens.InsertRevokedAccessToken(context.Background(), &RevokedToken{
		JTI:       "jti-1",
		AccountID: "acc-1",
		ExpiresAt: clock.Now().Add(15 * time.Minute),
		RevokedAt: clock.Now(),
	})

	revoked, err := index.IsRevoked(context.Background(), "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected durable answer despite cache outage, got revoked=%v err=%v", revoked, err)
	}
}
