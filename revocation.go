package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const revokedKeyPrefix = "rvk"

// revocationIndex is the dual-store revocation lookup: a cache fast path in
// front of the durable TokenStore. Writes are write-through durable-first;
// reads are cache-aside under a strict timeout and fail closed.
type revocationIndex struct {
	cache         Cache
	store         TokenStore
	clock         Clock
	lookupTimeout time.Duration
	logger        *zap.Logger
}

func newRevocationIndex(cache Cache, store TokenStore, clock Clock, lookupTimeout time.Duration, logger *zap.Logger) *revocationIndex {
	return &revocationIndex{
		cache:         cache,
		store:         store,
		clock:         clock,
		lookupTimeout: lookupTimeout,
		logger:        logger,
	}
}

func (r *revocationIndex) key(jti string) string {
	return revokedKeyPrefix + ":" + jti
}

// Revoke records the tombstone durably, then populates the cache with the
// token's remaining lifetime. RevokedAt is stamped here. A cache write
// failure is logged, not returned: the durable record already makes the
// revocation effective.
func (r *revocationIndex) Revoke(ctx context.Context, rec RevokedToken) error {
	now := r.clock.Now()
	rec.RevokedAt = now
	if err := r.store.InsertRevokedAccessToken(ctx, &rec); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	if err := r.cache.Set(ctx, r.key(rec.JTI), []byte{1}, ttl); err != nil {
		r.logger.Warn("revocation cache write failed",
			zap.String("jti", rec.JTI),
			zap.Error(err),
		)
	}
	return nil
}

// IsRevoked answers from the cache when possible and falls back to the
// durable store, repopulating the cache on a hit. Any lookup failure
// returns a LookupError; callers must treat that as revoked.
func (r *revocationIndex) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	_, err := r.cache.Get(ctx, r.key(jti))
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, ErrCacheMiss):
		r.logger.Warn("revocation cache lookup failed", zap.Error(err))
		return r.lookupDurable(ctx, jti)
	}

	return r.lookupDurable(ctx, jti)
}

func (r *revocationIndex) lookupDurable(ctx context.Context, jti string) (bool, error) {
	rec, err := r.store.FindRevokedAccessToken(ctx, jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, &LookupError{Err: err}
	}

	if ttl := rec.ExpiresAt.Sub(r.clock.Now()); ttl > 0 {
		if err := r.cache.Set(ctx, r.key(jti), []byte{1}, ttl); err != nil {
			r.logger.Warn("revocation cache repopulate failed", zap.Error(err))
		}
	}
	return true, nil
}
