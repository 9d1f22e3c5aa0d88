package authgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/helioslabs/authgate/internal/audit"
	"github.com/helioslabs/authgate/jwt"
	"github.com/helioslabs/authgate/password"
)

// Engine is the authentication core. Construct it through Builder; after
// Build it is immutable and safe for concurrent use.
type Engine struct {
	config Config
	logger *zap.Logger
	clock  Clock

	accounts AccountRepository
	tenants  TenantDirectory
	tokens   TokenStore
	cache    Cache
	notifier Notifier

	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	totp         *totpVerifier

	mfaSessions *mfaSessionStore
	resetTokens *passwordResetStore
	revocation  *revocationIndex

	audit   *audit.Dispatcher
	metrics *Metrics
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the current counter state.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// resolveScope maps a tenant reference to an operation scope. Unknown and
// non-active tenants collapse into ErrTenantInactive so callers cannot
// probe which tenants exist.
func (e *Engine) resolveScope(ctx context.Context, tenantRef string) (Scope, error) {
	if tenantRef == "" {
		return SystemScope(), nil
	}
	if e.tenants == nil {
		return Scope{}, ErrTenantInactive
	}

	tenant, err := e.tenants.Resolve(ctx, tenantRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Scope{}, ErrTenantInactive
		}
		return Scope{}, fmt.Errorf("resolve tenant: %w", err)
	}
	if !tenant.Active() {
		return Scope{}, ErrTenantInactive
	}

	return TenantScope(tenant), nil
}

func (e *Engine) passwordPolicyFor(t *Tenant) password.Policy {
	policy := e.config.Password.Policy
	if t == nil {
		return policy
	}
	if t.AuthSettings.PasswordMinLength > 0 {
		policy.MinLength = t.AuthSettings.PasswordMinLength
	}
	if t.AuthSettings.PasswordPreventReuse {
		policy.PreventReuse = true
	}
	if t.AuthSettings.PasswordHistoryCount > 0 {
		policy.HistoryCount = t.AuthSettings.PasswordHistoryCount
	}
	if t.AuthSettings.PasswordExpiryDays > 0 {
		policy.ExpiryDays = t.AuthSettings.PasswordExpiryDays
	}
	return policy
}

// hashToken is the lookup key derivation for refresh token rows: hex
// SHA-256 of the signed token string, so the store never sees raw tokens.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func scopeCacheKey(scope Scope) string {
	if scope.Tenant == nil {
		return string(UserTypeSystem)
	}
	return scope.Tenant.ID
}
