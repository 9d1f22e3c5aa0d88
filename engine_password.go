package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/helioslabs/authgate/internal"
	"github.com/helioslabs/authgate/password"
)

// ChangePassword rotates an account's password after proving the old one.
// The new candidate passes the tenant's composition policy and, when reuse
// prevention is on, must differ from the current hash and recent history.
// Every refresh token of the account is revoked on success.
func (e *Engine) ChangePassword(ctx context.Context, tenantRef, accountID, oldPassword, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	scope, err := e.resolveScope(ctx, tenantRef)
	if err != nil {
		return err
	}
	tenantID := scope.TenantID()

	account, err := e.accounts.FindByID(ctx, scope, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("find account: %w", err)
	}

	match, err := e.passwordHash.Verify(oldPassword, account.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !match {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, account.ID, tenantID, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	if err := e.applyNewPassword(ctx, scope, account, newPassword); err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, account.ID, tenantID, "", err, nil)
		return err
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, account.ID, tenantID, "", nil, nil)
	return nil
}

// RequestPasswordReset issues a single-use opaque reset token and hands it
// to the notifier. Unknown identities return nil so the endpoint does not
// disclose which accounts exist.
func (e *Engine) RequestPasswordReset(ctx context.Context, tenantRef, identity string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	scope, err := e.resolveScope(ctx, tenantRef)
	if err != nil {
		return err
	}
	tenantID := scope.TenantID()

	account, err := e.accounts.FindByIdentity(ctx, scope, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.emitAudit(ctx, auditEventPasswordResetRequest, false, "", tenantID, "", ErrNotFound, nil)
			return nil
		}
		return fmt.Errorf("find account: %w", err)
	}

	rid, err := internal.NewSessionID()
	if err != nil {
		return fmt.Errorf("new reset id: %w", err)
	}
	secret, err := internal.NewResetSecret()
	if err != nil {
		return fmt.Errorf("new reset secret: %w", err)
	}
	token, err := internal.EncodeResetToken(rid.String(), secret)
	if err != nil {
		return fmt.Errorf("encode reset token: %w", err)
	}

	rec := &passwordResetRecord{
		AccountID:  account.ID,
		TenantRef:  tenantID,
		UserType:   string(scope.Type),
		SecretHash: internal.HashResetSecret(secret),
		ExpiresAt:  e.clock.Now().Add(e.config.Reset.TokenTTL).Unix(),
	}
	if err := e.resetTokens.Save(ctx, rid.String(), rec, e.config.Reset.TokenTTL); err != nil {
		return err
	}

	if err := e.notifier.Send(ctx, Notification{
		Kind:     NotificationPasswordReset,
		Method:   MFAMethodEmail,
		To:       account.Email,
		TenantID: tenantID,
		Token:    token,
	}); err != nil {
		e.logger.Error("reset token delivery failed",
			zap.String("account_id", account.ID),
			zap.Error(err),
		)
		return fmt.Errorf("deliver reset token: %w", err)
	}

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, account.ID, tenantID, "", nil, nil)
	return nil
}

// ConfirmPasswordReset validates a reset token and applies the new
// password under the same policy checks as ChangePassword. The token
// record is deleted before the password write; a second confirmation with
// the same token fails ErrResetTokenInvalid.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	resetID, secret, err := internal.DecodeResetToken(token)
	if err != nil {
		return ErrResetTokenInvalid
	}

	rec, err := e.resetTokens.Get(ctx, resetID)
	if err != nil {
		if errors.Is(err, errResetNotFound) {
			return ErrResetTokenInvalid
		}
		return err
	}

	secretHash := internal.HashResetSecret(secret)
	if subtle.ConstantTimeCompare(secretHash[:], rec.SecretHash[:]) != 1 {
		return ErrResetTokenInvalid
	}

	scope, err := e.resolveScope(ctx, rec.TenantRef)
	if err != nil {
		return err
	}
	tenantID := scope.TenantID()

	account, err := e.accounts.FindByID(ctx, scope, rec.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrResetTokenInvalid
		}
		return fmt.Errorf("find account: %w", err)
	}

	deleted, err := e.resetTokens.Delete(ctx, resetID)
	if err != nil {
		return err
	}
	if !deleted {
		e.emitAudit(ctx, auditEventPasswordResetReplay, false, account.ID, tenantID, "", ErrResetTokenInvalid, nil)
		return ErrResetTokenInvalid
	}

	if err := e.applyNewPassword(ctx, scope, account, newPassword); err != nil {
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, account.ID, tenantID, "", err, nil)
		return err
	}

	e.metricInc(MetricPasswordResetConfirm)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, account.ID, tenantID, "", nil, nil)
	return nil
}

// applyNewPassword runs policy and reuse checks, writes the new hash with
// updated history, and revokes all refresh tokens.
func (e *Engine) applyNewPassword(ctx context.Context, scope Scope, account *Account, newPassword string) error {
	policy := e.passwordPolicyFor(scope.Tenant)

	if err := policy.Validate(newPassword); err != nil {
		var violation *password.PolicyViolationError
		if errors.As(err, &violation) {
			return fmt.Errorf("%w: %s", ErrPasswordPolicy, violation.Reason)
		}
		return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}

	if policy.PreventReuse {
		reused, err := password.CheckReuse(
			e.passwordHash.Verify,
			newPassword,
			account.PasswordHash,
			account.PasswordHistory,
			policy.HistoryCount,
		)
		if err != nil {
			return fmt.Errorf("check reuse: %w", err)
		}
		if reused {
			e.metricInc(MetricPasswordReuseRejected)
			return ErrPasswordReuse
		}
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	history := password.AppendHistory(account.PasswordHistory, account.PasswordHash, policy.HistoryCount)
	if err := e.accounts.UpdatePassword(ctx, scope, account.ID, newHash, history, e.clock.Now()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return e.revokeAllRefreshTokens(ctx, account.ID)
}
