package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/helioslabs/authgate/internal"
)

// BeginMFASetup opens an enrollment challenge for an account. TOTP
// challenges return the fresh secret and otpauth URI; SMS and email
// challenges deliver a code to destination (falling back to the account's
// stored phone or email). A repeat call replaces the pending challenge.
func (e *Engine) BeginMFASetup(ctx context.Context, tenantRef, accountID string, method MFAMethod, destination string) (*MFASetupChallenge, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	scope, err := e.resolveScope(ctx, tenantRef)
	if err != nil {
		return nil, err
	}

	account, err := e.accounts.FindByID(ctx, scope, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	if account.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	now := e.clock.Now()
	expiresAt := now.Add(e.config.MFA.SessionTTL)
	challenge := &mfaSetupChallenge{
		Method:    string(method),
		ExpiresAt: expiresAt.Unix(),
	}
	result := &MFASetupChallenge{
		Method:    method,
		ExpiresAt: expiresAt,
	}

	switch method {
	case MFAMethodTOTP:
		secret, uri, err := e.totp.GenerateSecret(account.Email)
		if err != nil {
			return nil, fmt.Errorf("generate totp secret: %w", err)
		}
		challenge.Secret = secret
		result.Secret = secret
		result.OTPAuthURL = uri

	case MFAMethodSMS, MFAMethodEmail:
		code, err := e.newSetupCode(method, account, destination, &challenge.Destination)
		if err != nil {
			return nil, err
		}
		challenge.Code = code
		if err := e.notifier.Send(ctx, Notification{
			Kind:     NotificationMFASetup,
			Method:   method,
			To:       challenge.Destination,
			TenantID: scope.TenantID(),
			Code:     code,
		}); err != nil {
			return nil, fmt.Errorf("deliver setup code: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrMFASetupInvalid, method)
	}

	if err := e.mfaSessions.SaveSetup(ctx, scopeCacheKey(scope), account.ID, challenge, e.config.MFA.SessionTTL); err != nil {
		return nil, err
	}

	e.metricInc(MetricMFASetupStarted)
	e.emitAudit(ctx, auditEventMFASetupStarted, true, account.ID, scope.TenantID(), "", nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})

	return result, nil
}

// ConfirmMFASetup verifies the enrollment code and promotes the challenge
// onto the account: MFA enabled, method and secret stored, a fresh batch of
// recovery codes generated. A wrong code leaves both the account and the
// challenge untouched, so the user can retry until the challenge expires.
func (e *Engine) ConfirmMFASetup(ctx context.Context, tenantRef, accountID, code string) (*MFAEnrollment, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	scope, err := e.resolveScope(ctx, tenantRef)
	if err != nil {
		return nil, err
	}

	account, err := e.accounts.FindByID(ctx, scope, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	if account.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	challenge, err := e.mfaSessions.GetSetup(ctx, scopeCacheKey(scope), account.ID)
	if err != nil {
		if errors.Is(err, errMFASessionNotFound) || errors.Is(err, errMFASessionExpired) {
			return nil, ErrMFASetupInvalid
		}
		return nil, err
	}

	if !e.verifySetupCode(challenge, code) {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, account.ID, scope.TenantID(), "", ErrMFAVerificationFailed, func() map[string]string {
			return map[string]string{"method": challenge.Method, "phase": "setup"}
		})
		return nil, ErrMFAVerificationFailed
	}

	method := MFAMethod(challenge.Method)
	if err := e.accounts.UpdateMFA(ctx, scope, account.ID, true, method, challenge.Secret); err != nil {
		return nil, fmt.Errorf("enable mfa: %w", err)
	}

	codes, hashes, err := generateRecoveryCodes(account.ID, e.config.MFA.RecoveryCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate recovery codes: %w", err)
	}
	if err := e.accounts.ReplaceRecoveryCodes(ctx, scope, account.ID, hashes); err != nil {
		return nil, fmt.Errorf("store recovery codes: %w", err)
	}

	_, _ = e.mfaSessions.DeleteSetup(ctx, scopeCacheKey(scope), account.ID)

	e.metricInc(MetricMFAEnabled)
	e.metricInc(MetricRecoveryCodesGenerated)
	e.emitAudit(ctx, auditEventMFAEnabled, true, account.ID, scope.TenantID(), "", nil, func() map[string]string {
		return map[string]string{"method": challenge.Method}
	})

	return &MFAEnrollment{
		Method:        method,
		RecoveryCodes: codes,
	}, nil
}

// DisableMFA turns enrollment off after proof of possession: a current
// TOTP code for TOTP accounts, or a recovery code for delivered-code
// methods. Disabling clears the secret and invalidates all recovery codes.
func (e *Engine) DisableMFA(ctx context.Context, tenantRef, accountID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	scope, account, err := e.requireMFAAccount(ctx, tenantRef, accountID)
	if err != nil {
		return err
	}

	if err := e.verifyMFAProof(ctx, scope, account, code); err != nil {
		e.emitAudit(ctx, auditEventMFAFailure, false, account.ID, scope.TenantID(), "", err, func() map[string]string {
			return map[string]string{"phase": "disable"}
		})
		return err
	}

	if err := e.accounts.UpdateMFA(ctx, scope, account.ID, false, "", ""); err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}
	if err := e.accounts.ReplaceRecoveryCodes(ctx, scope, account.ID, nil); err != nil {
		return fmt.Errorf("clear recovery codes: %w", err)
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, account.ID, scope.TenantID(), "", nil, nil)
	return nil
}

// RegenerateRecoveryCodes replaces the full recovery code set after the
// same proof of possession DisableMFA requires. Previously issued codes
// stop working immediately.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, tenantRef, accountID, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	scope, account, err := e.requireMFAAccount(ctx, tenantRef, accountID)
	if err != nil {
		return nil, err
	}

	if err := e.verifyMFAProof(ctx, scope, account, code); err != nil {
		e.emitAudit(ctx, auditEventMFAFailure, false, account.ID, scope.TenantID(), "", err, func() map[string]string {
			return map[string]string{"phase": "regenerate_recovery_codes"}
		})
		return nil, err
	}

	codes, hashes, err := generateRecoveryCodes(account.ID, e.config.MFA.RecoveryCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate recovery codes: %w", err)
	}
	if err := e.accounts.ReplaceRecoveryCodes(ctx, scope, account.ID, hashes); err != nil {
		return nil, fmt.Errorf("store recovery codes: %w", err)
	}

	e.metricInc(MetricRecoveryCodesGenerated)
	e.emitAudit(ctx, auditEventRecoveryCodesRenewed, true, account.ID, scope.TenantID(), "", nil, nil)
	return codes, nil
}

func (e *Engine) requireMFAAccount(ctx context.Context, tenantRef, accountID string) (Scope, *Account, error) {
	scope, err := e.resolveScope(ctx, tenantRef)
	if err != nil {
		return Scope{}, nil, err
	}

	account, err := e.accounts.FindByID(ctx, scope, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Scope{}, nil, ErrNotFound
		}
		return Scope{}, nil, fmt.Errorf("find account: %w", err)
	}
	if !account.MFAEnabled {
		return Scope{}, nil, ErrMFANotEnabled
	}

	return scope, account, nil
}

// verifyMFAProof accepts a live TOTP code for TOTP accounts and a recovery
// code for every method.
func (e *Engine) verifyMFAProof(ctx context.Context, scope Scope, account *Account, code string) error {
	if account.MFAMethod == MFAMethodTOTP && e.totp.Verify(code, account.MFASecret, e.clock.Now()) {
		return nil
	}

	consumed, err := e.accounts.ConsumeRecoveryCode(ctx, scope, account.ID, recoveryCodeHashFor(account.ID, code))
	if err != nil {
		return fmt.Errorf("consume recovery code: %w", err)
	}
	if !consumed {
		return ErrMFAVerificationFailed
	}
	return nil
}

func (e *Engine) newSetupCode(method MFAMethod, account *Account, destination string, dest *string) (string, error) {
	*dest = destination
	if *dest == "" {
		if method == MFAMethodSMS {
			*dest = account.Phone
		} else {
			*dest = account.Email
		}
	}
	if *dest == "" {
		return "", fmt.Errorf("%w: no delivery destination", ErrMFASetupInvalid)
	}

	return internal.NewOTP(e.config.MFA.CodeDigits)
}

func (e *Engine) verifySetupCode(challenge *mfaSetupChallenge, code string) bool {
	switch MFAMethod(challenge.Method) {
	case MFAMethodTOTP:
		return e.totp.Verify(code, challenge.Secret, e.clock.Now())
	case MFAMethodSMS, MFAMethodEmail:
		return subtle.ConstantTimeCompare([]byte(code), []byte(challenge.Code)) == 1
	default:
		return false
	}
}
