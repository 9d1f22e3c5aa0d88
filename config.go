package authgate

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/helioslabs/authgate/password"
)

const (
	defaultAccessExpiry  = 15 * time.Minute
	defaultRefreshExpiry = 7 * 24 * time.Hour
)

// JWTConfig controls token signing. Access and refresh tokens are signed
// with independent HS256 secrets. Expiry strings accept Ns/Nm/Nh/Nd
// shorthand; unparsable values fall back to 900 s for access and 7 d for
// refresh.
type JWTConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessExpiry  string
	RefreshExpiry string
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// LockoutConfig is the engine-wide default lockout policy. Tenants override
// it through Tenant.AuthSettings.
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

// PasswordConfig holds argon2id cost parameters and the default password
// policy.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	Policy      password.Policy
}

// MFAConfig controls the second-factor session protocol.
type MFAConfig struct {
	SessionTTL        time.Duration
	CodeTTL           time.Duration
	CodeDigits        int
	MaxAttempts       int
	TOTPIssuer        string
	RecoveryCodeCount int
}

// RevocationConfig bounds revocation index lookups.
type RevocationConfig struct {
	LookupTimeout time.Duration
}

// ResetConfig controls password reset tokens.
type ResetConfig struct {
	TokenTTL time.Duration
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// DrainTimeout bounds how long Close waits on a slow sink.
	DrainTimeout time.Duration
}

// MetricsConfig controls the in-process metrics registry.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Config is the full engine configuration. Obtain a baseline from
// DefaultConfig and override fields before Build.
type Config struct {
	JWT        JWTConfig
	Lockout    LockoutConfig
	Password   PasswordConfig
	MFA        MFAConfig
	Revocation RevocationConfig
	Reset      ResetConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
}

// DefaultConfig returns the baseline configuration. Signing secrets must
// still be supplied by the caller.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessExpiry:  "15m",
			RefreshExpiry: "7d",
			Leeway:        30 * time.Second,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  30 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			Policy:      password.DefaultPolicy(),
		},
		MFA: MFAConfig{
			SessionTTL:        10 * time.Minute,
			CodeTTL:           5 * time.Minute,
			CodeDigits:        6,
			MaxAttempts:       5,
			TOTPIssuer:        "authgate",
			RecoveryCodeCount: 10,
		},
		Revocation: RevocationConfig{
			LookupTimeout: 500 * time.Millisecond,
		},
		Reset: ResetConfig{
			TokenTTL: 30 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if len(c.JWT.AccessSecret) < 32 {
		return errors.New("JWT.AccessSecret must be at least 32 bytes")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		return errors.New("JWT.RefreshSecret must be at least 32 bytes")
	}
	if string(c.JWT.AccessSecret) == string(c.JWT.RefreshSecret) {
		return errors.New("JWT access and refresh secrets must differ")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT.Leeway must be between 0 and 2m")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout.Threshold must be positive")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout.Duration must be positive")
	}
	if c.MFA.SessionTTL <= 0 || c.MFA.CodeTTL <= 0 {
		return errors.New("MFA TTLs must be positive")
	}
	if c.MFA.CodeDigits < 6 || c.MFA.CodeDigits > 10 {
		return errors.New("MFA.CodeDigits must be between 6 and 10")
	}
	if c.MFA.MaxAttempts <= 0 {
		return errors.New("MFA.MaxAttempts must be positive")
	}
	if c.MFA.RecoveryCodeCount <= 0 {
		return errors.New("MFA.RecoveryCodeCount must be positive")
	}
	if c.Revocation.LookupTimeout <= 0 {
		return errors.New("Revocation.LookupTimeout must be positive")
	}
	if c.Reset.TokenTTL <= 0 {
		return errors.New("Reset.TokenTTL must be positive")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.AccessSecret = cloneBytes(cfg.JWT.AccessSecret)
	out.JWT.RefreshSecret = cloneBytes(cfg.JWT.RefreshSecret)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// parseExpiry parses Ns/Nm/Nh/Nd shorthand. Anything unparsable, zero, or
// negative yields the fallback.
func parseExpiry(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if len(value) < 2 {
		return fallback
	}

	unit := value[len(value)-1]
	n, err := strconv.ParseInt(value[:len(value)-1], 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return fallback
	}
}

func (c Config) accessExpiry() time.Duration {
	return parseExpiry(c.JWT.AccessExpiry, defaultAccessExpiry)
}

func (c Config) refreshExpiry() time.Duration {
	return parseExpiry(c.JWT.RefreshExpiry, defaultRefreshExpiry)
}
