package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/authgate/internal"
)

// Login validates one credential presentation. Unknown identities and
// password mismatches both return ErrInvalidCredentials. The lockout check
// runs before any hash comparison; an attempt against a locked account
// still records a failure, so hammering a locked account keeps pushing the
// lock out. MFA-enabled accounts receive an MFA session instead of tokens.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	scope, err := e.resolveScope(ctx, req.TenantRef)
	if err != nil {
		e.metricInc(MetricTenantRejected)
		e.emitAudit(ctx, auditEventTenantRejected, false, "", req.TenantRef, "", err, nil)
		return nil, err
	}
	tenantID := scope.TenantID()

	account, err := e.accounts.FindByIdentity(ctx, scope, req.Identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// no account, no counter to mutate
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", tenantID, "", ErrInvalidCredentials, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find account: %w", err)
	}

	policy := e.lockoutPolicyFor(scope.Tenant)
	now := e.clock.Now()

	if accountLocked(account, policy, now) {
		until := e.recordFailure(ctx, scope, account, policy)
		if until.IsZero() && account.LockedUntil != nil {
			until = *account.LockedUntil
		}
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventAccountLocked, false, account.ID, tenantID, "", ErrAccountLocked, func() map[string]string {
			return lockExpiryMetadata(until)
		})
		return nil, &AccountLockedError{Until: until}
	}

	match, err := e.passwordHash.Verify(req.Password, account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		until := e.recordFailure(ctx, scope, account, policy)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, account.ID, tenantID, "", ErrInvalidCredentials, nil)
		if !until.IsZero() {
			e.metricInc(MetricAccountLocked)
			e.emitAudit(ctx, auditEventAccountLocked, false, account.ID, tenantID, "", ErrAccountLocked, func() map[string]string {
				return lockExpiryMetadata(until)
			})
		}
		return nil, ErrInvalidCredentials
	}

	if !account.Active {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, account.ID, tenantID, "", ErrAccountDisabled, nil)
		return nil, ErrAccountDisabled
	}

	if err := e.accounts.ResetLoginState(ctx, scope, account.ID, now); err != nil {
		return nil, fmt.Errorf("reset login state: %w", err)
	}

	if pwPolicy := e.passwordPolicyFor(scope.Tenant); pwPolicy.Expired(account.PasswordChangedAt, now) {
		e.emitAudit(ctx, auditEventLoginFailure, false, account.ID, tenantID, "", ErrPasswordExpired, nil)
		return nil, ErrPasswordExpired
	}

	if account.MFAEnabled {
		return e.createMFALoginSession(ctx, scope, account)
	}

	pair, err := e.issueTokenPair(ctx, scope, account)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, account.ID, tenantID, "", nil, nil)

	return &LoginResult{
		Tokens:  pair,
		Account: newAccountView(account),
	}, nil
}

// createMFALoginSession opens the single-use session that a ConfirmLoginMFA
// or ConfirmLoginRecoveryCode call completes. SMS and email codes are
// generated here and handed to the notifier; the session carries the code
// so verification needs no second store.
func (e *Engine) createMFALoginSession(ctx context.Context, scope Scope, account *Account) (*LoginResult, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("new mfa session id: %w", err)
	}
	sessionID := sid.String()
	now := e.clock.Now()

	session := &mfaSession{
		AccountID: account.ID,
		TenantRef: scope.TenantID(),
		UserType:  string(scope.Type),
		Method:    string(account.MFAMethod),
		ExpiresAt: now.Add(e.config.MFA.SessionTTL).Unix(),
	}

	if account.MFAMethod == MFAMethodSMS || account.MFAMethod == MFAMethodEmail {
		code, err := internal.NewOTP(e.config.MFA.CodeDigits)
		if err != nil {
			return nil, fmt.Errorf("new mfa code: %w", err)
		}
		session.Code = code
		session.CodeExpiresAt = now.Add(e.config.MFA.CodeTTL).Unix()

		to := account.Phone
		if account.MFAMethod == MFAMethodEmail {
			to = account.Email
		}
		if err := e.notifier.Send(ctx, Notification{
			Kind:     NotificationMFACode,
			Method:   account.MFAMethod,
			To:       to,
			TenantID: scope.TenantID(),
			Code:     code,
		}); err != nil {
			e.logger.Error("mfa code delivery failed",
				zap.String("account_id", account.ID),
				zap.String("method", string(account.MFAMethod)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("deliver mfa code: %w", err)
		}
	}

	if err := e.mfaSessions.SaveSession(ctx, sessionID, session, e.config.MFA.SessionTTL); err != nil {
		return nil, err
	}

	e.metricInc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFARequired, true, account.ID, scope.TenantID(), sessionID, nil, func() map[string]string {
		return map[string]string{"method": string(account.MFAMethod)}
	})

	return &LoginResult{
		MFARequired:  true,
		MFASessionID: sessionID,
		MFAMethod:    account.MFAMethod,
	}, nil
}

// recordFailure applies exactly one counter mutation and returns the lock
// expiry when this failure crossed the threshold.
func (e *Engine) recordFailure(ctx context.Context, scope Scope, account *Account, policy LockoutPolicy) time.Time {
	_, lockedUntil, err := e.accounts.RecordLoginFailure(ctx, scope, account.ID, policy.Threshold, policy.Duration)
	if err != nil {
		e.logger.Error("record login failure",
			zap.String("account_id", account.ID),
			zap.Error(err),
		)
		return time.Time{}
	}
	if lockedUntil == nil {
		return time.Time{}
	}
	return *lockedUntil
}
