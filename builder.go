package authgate

import (
	"errors"

	"go.uber.org/zap"

	"github.com/helioslabs/authgate/jwt"
	"github.com/helioslabs/authgate/password"
)

// Builder assembles an Engine. Required: account repository, token store,
// cache, and signing secrets in the config. The tenant directory is
// optional; without one, every tenant-scoped call fails ErrTenantInactive.
type Builder struct {
	config Config
	logger *zap.Logger
	clock  Clock

	accounts AccountRepository
	tenants  TenantDirectory
	tokens   TokenStore
	cache    Cache
	notifier Notifier

	auditSink AuditSink

	built bool
}

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the full configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithLogger sets the structured logger. Defaults to zap.NewNop.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the time source, mainly for tests.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithAccountRepository sets the durable account store.
func (b *Builder) WithAccountRepository(repo AccountRepository) *Builder {
	b.accounts = repo
	return b
}

// WithTenantDirectory sets the tenant resolver.
func (b *Builder) WithTenantDirectory(dir TenantDirectory) *Builder {
	b.tenants = dir
	return b
}

// WithTokenStore sets the durable token state store.
func (b *Builder) WithTokenStore(store TokenStore) *Builder {
	b.tokens = store
	return b
}

// WithCache sets the shared ephemeral store.
func (b *Builder) WithCache(cache Cache) *Builder {
	b.cache = cache
	return b
}

// WithNotifier sets the outbound delivery hook. Defaults to a no-op.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the audit event receiver.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the counter registry.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wiring and returns a ready Engine.
// A Builder can build at most once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.accounts == nil {
		return nil, errors.New("account repository required")
	}
	if b.tokens == nil {
		return nil, errors.New("token store required")
	}
	if b.cache == nil {
		return nil, errors.New("cache required")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = systemClock{}
	}
	notifier := b.notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessSecret:  cloneBytes(cfg.JWT.AccessSecret),
		RefreshSecret: cloneBytes(cfg.JWT.RefreshSecret),
		AccessTTL:     cfg.accessExpiry(),
		RefreshTTL:    cfg.refreshExpiry(),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cfg,
		logger:       logger,
		clock:        clock,
		accounts:     b.accounts,
		tenants:      b.tenants,
		tokens:       b.tokens,
		cache:        b.cache,
		notifier:     notifier,
		passwordHash: ph,
		jwtManager:   jm,
		totp:         newTOTPVerifier(cfg.MFA.TOTPIssuer),
	}

	engine.mfaSessions = newMFASessionStore(b.cache, clock)
	engine.resetTokens = newPasswordResetStore(b.cache, clock)
	engine.revocation = newRevocationIndex(b.cache, b.tokens, clock, cfg.Revocation.LookupTimeout, logger)
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
