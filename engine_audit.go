package authgate

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventAccountLocked         = "account_locked"
	auditEventTenantRejected        = "tenant_rejected"
	auditEventMFARequired           = "mfa_required"
	auditEventMFASuccess            = "mfa_success"
	auditEventMFAFailure            = "mfa_failure"
	auditEventMFAReplayBlocked      = "mfa_replay_blocked"
	auditEventMFASetupStarted       = "mfa_setup_started"
	auditEventMFAEnabled            = "mfa_enabled"
	auditEventMFADisabled           = "mfa_disabled"
	auditEventRecoveryCodeUsed      = "recovery_code_used"
	auditEventRecoveryCodeFailed    = "recovery_code_failed"
	auditEventRecoveryCodesRenewed  = "recovery_codes_regenerated"
	auditEventTokenIssued           = "token_issued"
	auditEventTokenRevoked          = "token_revoked"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshFailure        = "refresh_failure"
	auditEventRefreshReuseDetected  = "refresh_reuse_detected"
	auditEventValidateRevoked       = "validate_revoked"
	auditEventValidateUnavailable   = "validate_revocation_unavailable"
	auditEventLogout                = "logout"
	auditEventPasswordChangeSuccess = "password_change_success"
	auditEventPasswordChangeFailure = "password_change_failure"
	auditEventPasswordResetRequest  = "password_reset_request"
	auditEventPasswordResetConfirm  = "password_reset_confirm"
	auditEventPasswordResetReplay   = "password_reset_replay"
)

// AuditErrorCode is the stable machine-readable failure code carried on
// audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials    AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked         AuditErrorCode = "account_locked"
	auditErrAccountDisabled       AuditErrorCode = "account_disabled"
	auditErrTenantInactive        AuditErrorCode = "tenant_inactive"
	auditErrTokenInvalid          AuditErrorCode = "invalid_token"
	auditErrTokenRevoked          AuditErrorCode = "token_revoked"
	auditErrTokenExpired          AuditErrorCode = "token_expired"
	auditErrMFARequired           AuditErrorCode = "mfa_required"
	auditErrMFAInvalid            AuditErrorCode = "mfa_invalid"
	auditErrMFASessionExpired     AuditErrorCode = "mfa_session_expired"
	auditErrMFANotEnabled         AuditErrorCode = "mfa_not_enabled"
	auditErrRecoveryCodeInvalid   AuditErrorCode = "recovery_code_invalid"
	auditErrPasswordPolicy        AuditErrorCode = "password_policy"
	auditErrPasswordReuse         AuditErrorCode = "password_reuse"
	auditErrPasswordExpired       AuditErrorCode = "password_expired"
	auditErrResetTokenInvalid     AuditErrorCode = "reset_token_invalid"
	auditErrRevocationUnavailable AuditErrorCode = "revocation_unavailable"
	auditErrInternal              AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	tenantID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.clock.Now().UTC(),
		EventType: eventType,
		AccountID: accountID,
		TenantID:  tenantID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountDisabled):
		return auditErrAccountDisabled
	case errors.Is(err, ErrTenantInactive):
		return auditErrTenantInactive
	case errors.Is(err, ErrTokenRevoked):
		return auditErrTokenRevoked
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenMalformed):
		return auditErrTokenInvalid
	case errors.Is(err, ErrMFARequired):
		return auditErrMFARequired
	case errors.Is(err, ErrMFASessionExpired),
		errors.Is(err, ErrMFASetupInvalid):
		return auditErrMFASessionExpired
	case errors.Is(err, ErrMFAVerificationFailed):
		return auditErrMFAInvalid
	case errors.Is(err, ErrMFANotEnabled),
		errors.Is(err, ErrMFAAlreadyEnabled):
		return auditErrMFANotEnabled
	case errors.Is(err, ErrRecoveryCodeInvalid):
		return auditErrRecoveryCodeInvalid
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrPasswordExpired):
		return auditErrPasswordExpired
	case errors.Is(err, ErrResetTokenInvalid):
		return auditErrResetTokenInvalid
	case errors.Is(err, ErrRevocationUnavailable):
		return auditErrRevocationUnavailable
	default:
		return auditErrInternal
	}
}

// lockExpiryMetadata formats a lockout expiry for audit metadata.
func lockExpiryMetadata(until time.Time) map[string]string {
	return map[string]string{
		"locked_until": until.UTC().Format(time.RFC3339),
	}
}
