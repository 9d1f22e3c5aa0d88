package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config controls signing and verification. Access and refresh tokens use
// independent HS256 secrets so one leaked secret cannot mint the other kind.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// Claims is the claim set carried by both token kinds.
type Claims struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	TenantID    string   `json:"tenant_id,omitempty"`
	SchemaName  string   `json:"schema_name,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenInput is the identity material stamped into a token.
type TokenInput struct {
	Subject     string
	Username    string
	Email       string
	TenantID    string
	SchemaName  string
	Role        string
	Permissions []string
	JTI         string
}

// Manager signs and parses access and refresh tokens.
type Manager struct {
	config Config
}

// ErrExpired is returned by Parse methods for structurally valid but
// expired tokens.
var ErrExpired = errors.New("token expired")

// NewManager validates cfg and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.AccessSecret) == 0 {
		return nil, errors.New("access secret required")
	}
	if len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("refresh secret required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	return &Manager{config: cfg}, nil
}

// AccessTTL returns the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.config.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

// CreateAccess signs an access token for input, stamping iat, exp, and jti.
func (m *Manager) CreateAccess(input TokenInput, now time.Time) (string, *Claims, error) {
	return m.create(input, now, m.config.AccessTTL, m.config.AccessSecret)
}

// CreateRefresh signs a refresh token for input.
func (m *Manager) CreateRefresh(input TokenInput, now time.Time) (string, *Claims, error) {
	return m.create(input, now, m.config.RefreshTTL, m.config.RefreshSecret)
}

func (m *Manager) create(input TokenInput, now time.Time, ttl time.Duration, secret []byte) (string, *Claims, error) {
	if input.Subject == "" {
		return "", nil, errors.New("subject required")
	}
	if input.JTI == "" {
		return "", nil, errors.New("jti required")
	}

	claims := &Claims{
		Username:    input.Username,
		Email:       input.Email,
		TenantID:    input.TenantID,
		SchemaName:  input.SchemaName,
		Role:        input.Role,
		Permissions: input.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.Subject,
			ID:        input.JTI,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    m.config.Issuer,
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// ParseAccess verifies an access token and returns its claims.
func (m *Manager) ParseAccess(tokenStr string) (*Claims, error) {
	return m.parse(tokenStr, m.config.AccessSecret)
}

// ParseRefresh verifies a refresh token and returns its claims.
func (m *Manager) ParseRefresh(tokenStr string) (*Claims, error) {
	return m.parse(tokenStr, m.config.RefreshSecret)
}

func (m *Manager) parse(tokenStr string, secret []byte) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
