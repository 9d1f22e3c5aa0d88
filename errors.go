package authgate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers both unknown identities and password
	// mismatches so callers cannot distinguish the two.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while the lockout window is active.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDisabled is returned for deactivated accounts.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrTenantInactive covers missing, suspended, and archived tenants.
	ErrTenantInactive = errors.New("tenant inactive")
	// ErrTokenInvalid is returned for tokens with no matching record or a bad signature.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenRevoked is returned for revoked tokens, including rotation replays.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed is returned for tokens missing required claims.
	ErrTokenMalformed = errors.New("malformed token")
	// ErrMFARequired indicates the login produced an MFA session instead of tokens.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFASessionExpired covers expired, consumed, and unknown MFA sessions.
	ErrMFASessionExpired = errors.New("mfa session expired")
	// ErrMFAVerificationFailed is returned when a submitted MFA code does not verify.
	ErrMFAVerificationFailed = errors.New("mfa verification failed")
	// ErrMFANotEnabled is returned for MFA operations on accounts without MFA.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrMFAAlreadyEnabled is returned when setup is started for an enrolled account.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFASetupInvalid covers missing or expired setup challenges.
	ErrMFASetupInvalid = errors.New("mfa setup challenge invalid")
	// ErrPasswordPolicy is returned when a candidate password violates tenant policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is returned when a candidate matches the current or recent hashes.
	ErrPasswordReuse = errors.New("password reuse rejected")
	// ErrPasswordExpired is returned when the tenant policy expires the current password.
	ErrPasswordExpired = errors.New("password expired")
	// ErrRecoveryCodeInvalid covers unknown and already-used recovery codes.
	ErrRecoveryCodeInvalid = errors.New("invalid recovery code")
	// ErrRevocationUnavailable means the revocation index could not be consulted;
	// callers treat the token as revoked.
	ErrRevocationUnavailable = errors.New("revocation index unavailable")
	// ErrResetTokenInvalid covers malformed, unknown, expired, and replayed reset tokens.
	ErrResetTokenInvalid = errors.New("password reset token invalid")
	// ErrEngineNotReady is returned from methods on a nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrNotFound is the store-level miss shared by repository implementations.
	ErrNotFound = errors.New("not found")
	// ErrCacheMiss is the miss sentinel shared by Cache implementations.
	ErrCacheMiss = errors.New("cache miss")
)

// AccountLockedError carries the lockout expiry alongside ErrAccountLocked.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	if e.Until.IsZero() {
		return ErrAccountLocked.Error()
	}
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// LookupError wraps a revocation index failure. errors.Is matches
// ErrRevocationUnavailable.
type LookupError struct {
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: %v", ErrRevocationUnavailable, e.Err)
}

func (e *LookupError) Is(target error) bool {
	return target == ErrRevocationUnavailable
}

func (e *LookupError) Unwrap() error {
	return e.Err
}
