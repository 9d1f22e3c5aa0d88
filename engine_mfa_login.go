package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ConfirmLoginMFA completes a pending MFA login with a code for the
// account's enrolled method. A failed code leaves the session in place;
// success consumes it before tokens are issued, so a session never
// produces two pairs even under concurrent confirmation.
func (e *Engine) ConfirmLoginMFA(ctx context.Context, sessionID, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	session, scope, account, err := e.loadMFASession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tenantID := scope.TenantID()

	if !e.verifyMFACode(session, account, code) {
		exceeded, ferr := e.mfaSessions.RecordFailure(ctx, sessionID, e.config.MFA.MaxAttempts)
		if ferr != nil && !errors.Is(ferr, errMFASessionExpired) {
			e.logger.Warn("mfa attempt tracking failed", zap.Error(ferr))
		}
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, account.ID, tenantID, sessionID, ErrMFAVerificationFailed, func() map[string]string {
			return map[string]string{"method": session.Method}
		})
		if exceeded {
			return nil, ErrMFASessionExpired
		}
		return nil, ErrMFAVerificationFailed
	}

	deleted, err := e.mfaSessions.DeleteSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		// someone else consumed it first
		e.metricInc(MetricMFAReplayBlocked)
		e.emitAudit(ctx, auditEventMFAReplayBlocked, false, account.ID, tenantID, sessionID, ErrMFASessionExpired, nil)
		return nil, ErrMFASessionExpired
	}

	pair, err := e.issueTokenPair(ctx, scope, account)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, account.ID, tenantID, sessionID, nil, func() map[string]string {
		return map[string]string{"method": session.Method}
	})

	return &LoginResult{
		Tokens:  pair,
		Account: newAccountView(account),
	}, nil
}

// ConfirmLoginRecoveryCode completes a pending MFA login by consuming one
// recovery code. The consume is atomic in the repository: at most one
// concurrent presenter of the same code wins.
func (e *Engine) ConfirmLoginRecoveryCode(ctx context.Context, sessionID, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	_, scope, account, err := e.loadMFASession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tenantID := scope.TenantID()

	consumed, err := e.accounts.ConsumeRecoveryCode(ctx, scope, account.ID, recoveryCodeHashFor(account.ID, code))
	if err != nil {
		return nil, fmt.Errorf("consume recovery code: %w", err)
	}
	if !consumed {
		e.metricInc(MetricRecoveryCodeFailed)
		e.emitAudit(ctx, auditEventRecoveryCodeFailed, false, account.ID, tenantID, sessionID, ErrRecoveryCodeInvalid, nil)
		return nil, ErrRecoveryCodeInvalid
	}

	deleted, err := e.mfaSessions.DeleteSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		e.metricInc(MetricMFAReplayBlocked)
		e.emitAudit(ctx, auditEventMFAReplayBlocked, false, account.ID, tenantID, sessionID, ErrMFASessionExpired, nil)
		return nil, ErrMFASessionExpired
	}

	pair, err := e.issueTokenPair(ctx, scope, account)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRecoveryCodeUsed)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, account.ID, tenantID, sessionID, nil, nil)

	return &LoginResult{
		Tokens:  pair,
		Account: newAccountView(account),
	}, nil
}

// loadMFASession fetches the session and re-resolves its scope and account.
// A tenant suspended mid-session fails here, not at token issuance.
func (e *Engine) loadMFASession(ctx context.Context, sessionID string) (*mfaSession, Scope, *Account, error) {
	session, err := e.mfaSessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errMFASessionNotFound) || errors.Is(err, errMFASessionExpired) {
			return nil, Scope{}, nil, ErrMFASessionExpired
		}
		return nil, Scope{}, nil, err
	}

	scope, err := e.resolveScope(ctx, session.TenantRef)
	if err != nil {
		return nil, Scope{}, nil, err
	}

	account, err := e.accounts.FindByID(ctx, scope, session.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Scope{}, nil, ErrMFASessionExpired
		}
		return nil, Scope{}, nil, fmt.Errorf("find account: %w", err)
	}
	if !account.Active {
		return nil, Scope{}, nil, ErrAccountDisabled
	}

	return session, scope, account, nil
}

// verifyMFACode dispatches on the session method. Delivered codes compare
// in constant time and honor their own shorter expiry inside the session
// window; a code that already verified once cannot verify again because
// success consumes the whole session.
func (e *Engine) verifyMFACode(session *mfaSession, account *Account, code string) bool {
	switch MFAMethod(session.Method) {
	case MFAMethodTOTP:
		return e.totp.Verify(code, account.MFASecret, e.clock.Now())
	case MFAMethodSMS, MFAMethodEmail:
		if session.Code == "" || e.clock.Now().Unix() > session.CodeExpiresAt {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(code), []byte(session.Code)) == 1
	default:
		return false
	}
}
