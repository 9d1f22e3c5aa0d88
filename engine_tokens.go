package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helioslabs/authgate/jwt"
)

// issueTokenPair signs an access/refresh pair for the account and persists
// the refresh row. The refresh row's ID is the refresh token's jti; the
// lookup key is the SHA-256 of the signed token.
func (e *Engine) issueTokenPair(ctx context.Context, scope Scope, account *Account) (*TokenPair, error) {
	pair, rec, err := e.buildTokenPair(ctx, scope, account)
	if err != nil {
		return nil, err
	}

	if err := e.tokens.CreateRefreshToken(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, auditEventTokenIssued, true, account.ID, scope.TenantID(), "", nil, nil)

	return pair, nil
}

// buildTokenPair signs both tokens and prepares the refresh row without
// touching the store, so Refresh can hand the row to an atomic rotation
// instead of a plain insert.
func (e *Engine) buildTokenPair(ctx context.Context, scope Scope, account *Account) (*TokenPair, *RefreshTokenRecord, error) {
	now := e.clock.Now()
	input := jwt.TokenInput{
		Subject:     account.ID,
		Username:    account.Username,
		Email:       account.Email,
		TenantID:    scope.TenantID(),
		SchemaName:  scope.SchemaName(),
		Role:        account.Role,
		Permissions: account.Permissions,
	}

	input.JTI = uuid.NewString()
	access, accessClaims, err := e.jwtManager.CreateAccess(input, now)
	if err != nil {
		return nil, nil, fmt.Errorf("sign access token: %w", err)
	}

	input.JTI = uuid.NewString()
	refresh, refreshClaims, err := e.jwtManager.CreateRefresh(input, now)
	if err != nil {
		return nil, nil, fmt.Errorf("sign refresh token: %w", err)
	}

	rec := &RefreshTokenRecord{
		ID:        refreshClaims.ID,
		AccountID: account.ID,
		TenantID:  scope.TenantID(),
		UserType:  scope.Type,
		TokenHash: hashToken(refresh),
		IssuedAt:  now,
		ExpiresAt: refreshClaims.ExpiresAt.Time,
		ClientIP:  clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
	}

	pair := &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}
	return pair, rec, nil
}

// Refresh exchanges a refresh token for a fresh pair, revoking the old
// token in the same store transaction. Presenting an already-revoked token
// is treated as theft evidence: every live refresh token of the account is
// revoked before the caller sees ErrTokenRevoked.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			// signature was valid; clean the row up if it is still live
			if rerr := e.tokens.RevokeRefreshToken(ctx, hashToken(refreshToken)); rerr != nil && !errors.Is(rerr, ErrNotFound) {
				e.logger.Warn("expired refresh cleanup failed", zap.Error(rerr))
			}
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshFailure, false, "", "", "", ErrTokenExpired, nil)
			return nil, ErrTokenExpired
		}
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, "", "", "", ErrTokenInvalid, nil)
		return nil, ErrTokenInvalid
	}

	tokenHash := hashToken(refreshToken)
	rec, err := e.tokens.FindRefreshToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshFailure, false, claims.Subject, claims.TenantID, "", ErrTokenInvalid, nil)
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	if rec.RevokedAt != nil {
		revoked, rerr := e.tokens.RevokeAllForAccount(ctx, rec.AccountID)
		if rerr != nil {
			e.logger.Error("revoke-all after refresh reuse failed",
				zap.String("account_id", rec.AccountID),
				zap.Error(rerr),
			)
		}
		e.metricInc(MetricRefreshReuseDetected)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, rec.AccountID, rec.TenantID, "", ErrTokenRevoked, func() map[string]string {
			return map[string]string{"revoked_tokens": fmt.Sprintf("%d", revoked)}
		})
		return nil, ErrTokenRevoked
	}

	now := e.clock.Now()
	if now.After(rec.ExpiresAt) {
		if rerr := e.tokens.RevokeRefreshToken(ctx, tokenHash); rerr != nil && !errors.Is(rerr, ErrNotFound) {
			e.logger.Warn("expired refresh cleanup failed", zap.Error(rerr))
		}
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, rec.AccountID, rec.TenantID, "", ErrTokenExpired, nil)
		return nil, ErrTokenExpired
	}

	scope, err := e.scopeForRecord(ctx, rec)
	if err != nil {
		return nil, err
	}

	account, err := e.accounts.FindByID(ctx, scope, rec.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	if !account.Active {
		return nil, ErrAccountDisabled
	}

	pair, nextRec, err := e.buildTokenPair(ctx, scope, account)
	if err != nil {
		return nil, err
	}

	if err := e.tokens.RotateRefreshToken(ctx, tokenHash, nextRec); err != nil {
		if errors.Is(err, ErrNotFound) {
			// lost the rotation race; the winner already revoked this row
			e.metricInc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, rec.AccountID, rec.TenantID, "", ErrTokenRevoked, nil)
			return nil, ErrTokenRevoked
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, account.ID, scope.TenantID(), "", nil, nil)

	return pair, nil
}

// ValidateAccess verifies an access token and consults the revocation
// index. When the index cannot be consulted the token is rejected with
// ErrRevocationUnavailable: correctness over availability.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*Identity, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	start := e.clock.Now()

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims.ID == "" {
		return nil, ErrTokenMalformed
	}

	revoked, err := e.revocation.IsRevoked(ctx, claims.ID)
	if err != nil {
		e.metricInc(MetricRevocationUnavailable)
		e.emitAudit(ctx, auditEventValidateUnavailable, false, claims.Subject, claims.TenantID, "", err, nil)
		return nil, err
	}
	if revoked {
		e.metricInc(MetricValidateRevoked)
		e.emitAudit(ctx, auditEventValidateRevoked, false, claims.Subject, claims.TenantID, "", ErrTokenRevoked, nil)
		return nil, ErrTokenRevoked
	}

	e.metricInc(MetricValidateSuccess)
	if e.metrics != nil {
		e.metrics.Observe(MetricValidateLatency, e.clock.Now().Sub(start))
	}

	return identityFromClaims(claims), nil
}

// Logout revokes the presented access token and every live refresh token
// of its account.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	if claims.ID == "" {
		return ErrTokenMalformed
	}

	userType := UserTypeSystem
	if claims.TenantID != "" {
		userType = UserTypeTenant
	}
	if err := e.revocation.Revoke(ctx, RevokedToken{
		JTI:       claims.ID,
		AccountID: claims.Subject,
		UserType:  userType,
		TenantID:  claims.TenantID,
		ExpiresAt: claims.ExpiresAt.Time,
		Reason:    "logout",
	}); err != nil {
		return err
	}
	e.metricInc(MetricTokenRevoked)

	if _, err := e.tokens.RevokeAllForAccount(ctx, claims.Subject); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, claims.Subject, claims.TenantID, "", nil, nil)
	return nil
}

// revokeAllRefreshTokens is the shared bulk invalidation used by logout,
// password change, and password reset.
func (e *Engine) revokeAllRefreshTokens(ctx context.Context, accountID string) error {
	if _, err := e.tokens.RevokeAllForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}

func (e *Engine) scopeForRecord(ctx context.Context, rec *RefreshTokenRecord) (Scope, error) {
	if rec.UserType == UserTypeSystem || rec.TenantID == "" {
		return SystemScope(), nil
	}
	return e.resolveScope(ctx, rec.TenantID)
}

func identityFromClaims(claims *jwt.Claims) *Identity {
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return &Identity{
		AccountID:   claims.Subject,
		Username:    claims.Username,
		Email:       claims.Email,
		TenantID:    claims.TenantID,
		SchemaName:  claims.SchemaName,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		TokenID:     claims.ID,
		ExpiresAt:   expiresAt,
	}
}
