package authgate

import (
	"context"
	"time"
)

// UserType distinguishes the system realm from tenant-scoped realms.
type UserType string

const (
	// UserTypeSystem marks operator accounts living outside any tenant.
	UserTypeSystem UserType = "system"
	// UserTypeTenant marks accounts owned by a tenant.
	UserTypeTenant UserType = "tenant"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	// TenantActive allows logins and token operations.
	TenantActive TenantStatus = "active"
	// TenantSuspended rejects all auth operations for the tenant.
	TenantSuspended TenantStatus = "suspended"
	// TenantArchived rejects all auth operations for the tenant.
	TenantArchived TenantStatus = "archived"
)

// MFAMethod names a second-factor verification method.
type MFAMethod string

const (
	// MFAMethodTOTP verifies RFC 6238 time-based codes.
	MFAMethodTOTP MFAMethod = "totp"
	// MFAMethodSMS verifies codes delivered over SMS.
	MFAMethodSMS MFAMethod = "sms"
	// MFAMethodEmail verifies codes delivered over email.
	MFAMethodEmail MFAMethod = "email"
)

// AuthSettings carries per-tenant overrides of engine defaults. Zero values
// fall back to the engine configuration.
type AuthSettings struct {
	LockoutThreshold     int           `json:"lockout_threshold,omitempty"`
	LockoutDuration      time.Duration `json:"lockout_duration,omitempty"`
	PasswordMinLength    int           `json:"password_min_length,omitempty"`
	PasswordPreventReuse bool          `json:"password_prevent_reuse,omitempty"`
	PasswordHistoryCount int           `json:"password_history_count,omitempty"`
	PasswordExpiryDays   int           `json:"password_expiry_days,omitempty"`
}

// Tenant is the resolved tenant a scoped operation runs against.
type Tenant struct {
	ID           string
	Slug         string
	SchemaName   string
	Status       TenantStatus
	AuthSettings AuthSettings
}

// Active reports whether the tenant accepts auth operations.
func (t *Tenant) Active() bool {
	return t != nil && t.Status == TenantActive
}

// Scope identifies the realm an operation runs in: the system realm or a
// single resolved tenant.
type Scope struct {
	Type   UserType
	Tenant *Tenant
}

// SystemScope returns the scope for operator accounts.
func SystemScope() Scope {
	return Scope{Type: UserTypeSystem}
}

// TenantScope returns the scope for a resolved tenant.
func TenantScope(t *Tenant) Scope {
	return Scope{Type: UserTypeTenant, Tenant: t}
}

// TenantID returns the tenant identifier or "" in the system realm.
func (s Scope) TenantID() string {
	if s.Tenant == nil {
		return ""
	}
	return s.Tenant.ID
}

// SchemaName returns the tenant schema or "" in the system realm.
func (s Scope) SchemaName() string {
	if s.Tenant == nil {
		return ""
	}
	return s.Tenant.SchemaName
}

// Account is the repository-owned account model. PasswordHash and MFASecret
// never leave the engine; callers receive AccountView instead.
type Account struct {
	ID                  string
	TenantID            string
	Username            string
	Email               string
	Phone               string
	Role                string
	Permissions         []string
	PasswordHash        string
	PasswordHistory     []string
	PasswordChangedAt   time.Time
	FailedLoginAttempts int
	LockedUntil         *time.Time
	MFAEnabled          bool
	MFAMethod           MFAMethod
	MFASecret           string
	Active              bool
	LastLoginAt         *time.Time
}

// AccountView is the redacted account projection returned to callers.
type AccountView struct {
	ID          string
	TenantID    string
	Username    string
	Email       string
	Role        string
	Permissions []string
	MFAEnabled  bool
	MFAMethod   MFAMethod
	LastLoginAt *time.Time
}

func newAccountView(a *Account) *AccountView {
	if a == nil {
		return nil
	}
	perms := make([]string, len(a.Permissions))
	copy(perms, a.Permissions)
	return &AccountView{
		ID:          a.ID,
		TenantID:    a.TenantID,
		Username:    a.Username,
		Email:       a.Email,
		Role:        a.Role,
		Permissions: perms,
		MFAEnabled:  a.MFAEnabled,
		MFAMethod:   a.MFAMethod,
		LastLoginAt: a.LastLoginAt,
	}
}

// AccountRepository is the durable account store. Implementations route
// system-realm calls and tenant-realm calls to the matching storage scope.
//
// RecordLoginFailure and ConsumeRecoveryCode must be atomic: exactly one
// counter mutation per call, at most one winner per recovery code.
type AccountRepository interface {
	// FindByIdentity looks an account up by username or email. Returns
	// ErrNotFound on miss.
	FindByIdentity(ctx context.Context, scope Scope, identity string) (*Account, error)
	// FindByID returns ErrNotFound on miss.
	FindByID(ctx context.Context, scope Scope, id string) (*Account, error)
	// RecordLoginFailure increments the failure counter and, when the new
	// count reaches threshold, stamps lockedUntil = now + lockFor, all in one
	// conditional write. It returns the post-increment state.
	RecordLoginFailure(ctx context.Context, scope Scope, id string, threshold int, lockFor time.Duration) (attempts int, lockedUntil *time.Time, err error)
	// ResetLoginState zeroes the failure counter, clears lockedUntil, and
	// stamps the last successful login.
	ResetLoginState(ctx context.Context, scope Scope, id string, lastLogin time.Time) error
	// UpdatePassword replaces the hash and the retained history in one write.
	UpdatePassword(ctx context.Context, scope Scope, id string, newHash string, history []string, changedAt time.Time) error
	// UpdateMFA sets the enrollment state. Disabling clears method and secret.
	UpdateMFA(ctx context.Context, scope Scope, id string, enabled bool, method MFAMethod, secret string) error
	// ReplaceRecoveryCodes atomically swaps the full unused-code set.
	ReplaceRecoveryCodes(ctx context.Context, scope Scope, id string, hashes [][32]byte) error
	// ConsumeRecoveryCode flips one matching unused code to used. Returns
	// false when no unused code matches; concurrent callers get at most one true.
	ConsumeRecoveryCode(ctx context.Context, scope Scope, id string, hash [32]byte) (bool, error)
}

// TenantDirectory resolves tenant references (id or slug) to tenants.
type TenantDirectory interface {
	// Resolve returns ErrNotFound for unknown references.
	Resolve(ctx context.Context, ref string) (*Tenant, error)
}

// RefreshTokenRecord is the durable row backing one refresh token. ID is the
// token's jti; TokenHash is the hex SHA-256 of the signed token string.
type RefreshTokenRecord struct {
	ID        string
	AccountID string
	TenantID  string
	UserType  UserType
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	ClientIP  string
	UserAgent string
}

// RevokedToken is the durable tombstone for a revoked access token jti.
// Reason records what triggered the revocation; the engine emits "logout".
type RevokedToken struct {
	JTI       string
	AccountID string
	UserType  UserType
	TenantID  string
	ExpiresAt time.Time
	RevokedAt time.Time
	Reason    string
}

// TokenStore is the durable token state: refresh token rows and revoked
// access token tombstones.
type TokenStore interface {
	CreateRefreshToken(ctx context.Context, rec *RefreshTokenRecord) error
	// FindRefreshToken returns the row for a token hash including revoked
	// rows, so callers can tell replay from absence. ErrNotFound on miss.
	FindRefreshToken(ctx context.Context, tokenHash string) (*RefreshTokenRecord, error)
	// RotateRefreshToken revokes the row for oldTokenHash and inserts next in
	// one transaction. Returns ErrNotFound when the old row is missing or
	// already revoked, which makes rotation single-use under races.
	RotateRefreshToken(ctx context.Context, oldTokenHash string, next *RefreshTokenRecord) error
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	// RevokeAllForAccount revokes every live refresh token of the account and
	// returns the number revoked.
	RevokeAllForAccount(ctx context.Context, accountID string) (int64, error)
	InsertRevokedAccessToken(ctx context.Context, rec *RevokedToken) error
	// FindRevokedAccessToken returns ErrNotFound when the jti is not revoked.
	FindRevokedAccessToken(ctx context.Context, jti string) (*RevokedToken, error)
}

// Cache is the shared ephemeral store used for MFA sessions, setup
// challenges, reset tokens, and the revocation fast path.
type Cache interface {
	// Get returns ErrCacheMiss when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del reports whether a key was removed.
	Del(ctx context.Context, key string) (bool, error)
}

// NotificationKind names what a notification carries.
type NotificationKind string

const (
	// NotificationMFACode delivers a login verification code.
	NotificationMFACode NotificationKind = "mfa_code"
	// NotificationMFASetup delivers an enrollment verification code.
	NotificationMFASetup NotificationKind = "mfa_setup"
	// NotificationPasswordReset delivers a password reset token.
	NotificationPasswordReset NotificationKind = "password_reset"
)

// Notification is a single outbound delivery request. Delivery transport is
// the caller's concern.
type Notification struct {
	Kind     NotificationKind
	Method   MFAMethod
	To       string
	TenantID string
	Code     string
	Token    string
}

// Notifier hands codes and reset tokens to the caller's delivery pipeline.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, Notification) error { return nil }

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// LoginRequest is one credential presentation. Empty TenantRef targets the
// system realm.
type LoginRequest struct {
	Identity  string
	Password  string
	TenantRef string
}

// TokenPair is one issued access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is either a token pair or an MFA continuation, never both.
type LoginResult struct {
	MFARequired  bool
	MFASessionID string
	MFAMethod    MFAMethod
	Tokens       *TokenPair
	Account      *AccountView
}

// Identity is the validated subject of an access token.
type Identity struct {
	AccountID   string
	Username    string
	Email       string
	TenantID    string
	SchemaName  string
	Role        string
	Permissions []string
	TokenID     string
	ExpiresAt   time.Time
}

// MFASetupChallenge is the pending-enrollment state returned by
// BeginMFASetup. Secret and OTPAuthURL are set for TOTP only and are shown
// exactly once.
type MFASetupChallenge struct {
	Method     MFAMethod
	Secret     string
	OTPAuthURL string
	ExpiresAt  time.Time
}

// MFAEnrollment is the result of a confirmed setup. RecoveryCodes are
// plaintext, displayed once, stored only as hashes.
type MFAEnrollment struct {
	Method        MFAMethod
	RecoveryCodes []string
}
