package authgate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/helioslabs/authgate/password"
)

// fakeClock is a mutable time source. It starts at the real wall clock so
// signed JWTs validate, and only lock/session/reset expiry logic observes
// the advanced time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memCache is an in-memory Cache. TTLs are ignored; record-level expiry in
// the stores is what the tests exercise, driven by the fake clock.
type memCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet error
	failSet error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet != nil {
		return nil, c.failGet
	}
	v, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSet != nil {
		return c.failSet
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	c.data[key] = stored
	return nil
}

func (c *memCache) Del(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	delete(c.data, key)
	return ok, nil
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// memAccountRepo keys accounts by scope so system and tenant realms stay
// separate, mirroring the schema-per-tenant layout of the real store.
type memAccountRepo struct {
	mu       sync.Mutex
	clock    *fakeClock
	accounts map[string]*Account
	codes    map[string]map[[32]byte]bool
}

func newMemAccountRepo(clock *fakeClock) *memAccountRepo {
	return &memAccountRepo{
		clock:    clock,
		accounts: make(map[string]*Account),
		codes:    make(map[string]map[[32]byte]bool),
	}
}

func (r *memAccountRepo) accountKey(scope Scope, id string) string {
	return scopeCacheKey(scope) + "/" + id
}

func (r *memAccountRepo) put(scope Scope, a *Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *a
	r.accounts[r.accountKey(scope, a.ID)] = &clone
}

func (r *memAccountRepo) get(scope Scope, id string) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[r.accountKey(scope, id)]
	if !ok {
		return nil
	}
	clone := *a
	return &clone
}

func (r *memAccountRepo) FindByIdentity(_ context.Context, scope Scope, identity string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := scopeCacheKey(scope) + "/"
	for key, a := range r.accounts {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix &&
			(a.Username == identity || a.Email == identity) {
			clone := *a
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memAccountRepo) FindByID(_ context.Context, scope Scope, id string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[r.accountKey(scope, id)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (r *memAccountRepo) RecordLoginFailure(_ context.Context, scope Scope, id string, threshold int, lockFor time.Duration) (int, *time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[r.accountKey(scope, id)]
	if !ok {
		return 0, nil, ErrNotFound
	}
	a.FailedLoginAttempts++
	if a.FailedLoginAttempts >= threshold {
		until := r.clock.Now().Add(lockFor)
		a.LockedUntil = &until
	}
	return a.FailedLoginAttempts, a.LockedUntil, nil
}

func (r *memAccountRepo) ResetLoginState(_ context.Context, scope Scope, id string, lastLogin time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[r.accountKey(scope, id)]
	if !ok {
		return ErrNotFound
	}
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	a.LastLoginAt = &lastLogin
	return nil
}

func (r *memAccountRepo) UpdatePassword(_ context.Context, scope Scope, id string, newHash string, history []string, changedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[r.accountKey(scope, id)]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = newHash
	a.PasswordHistory = history
	a.PasswordChangedAt = changedAt
	return nil
}

func (r *memAccountRepo) UpdateMFA(_ context.Context, scope Scope, id string, enabled bool, method MFAMethod, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[r.accountKey(scope, id)]
	if !ok {
		return ErrNotFound
	}
	a.MFAEnabled = enabled
	a.MFAMethod = method
	a.MFASecret = secret
	return nil
}

func (r *memAccountRepo) ReplaceRecoveryCodes(_ context.Context, scope Scope, id string, hashes [][32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[[32]byte]bool, len(hashes))
	for _, h := range hashes {
		set[h] = false
	}
	r.codes[r.accountKey(scope, id)] = set
	return nil
}

func (r *memAccountRepo) ConsumeRecoveryCode(_ context.Context, scope Scope, id string, hash [32]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.codes[r.accountKey(scope, id)]
	if !ok {
		return false, nil
	}
	used, present := set[hash]
	if !present || used {
		return false, nil
	}
	set[hash] = true
	return true, nil
}

func (r *memAccountRepo) unusedRecoveryCodes(scope Scope, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, used := range r.codes[r.accountKey(scope, id)] {
		if !used {
			n++
		}
	}
	return n
}

type memTenantDirectory struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
}

func newMemTenantDirectory() *memTenantDirectory {
	return &memTenantDirectory{tenants: make(map[string]*Tenant)}
}

func (d *memTenantDirectory) put(t *Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.ID] = t
	if t.Slug != "" {
		d.tenants[t.Slug] = t
	}
}

func (d *memTenantDirectory) Resolve(_ context.Context, ref string) (*Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[ref]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *t
	return &clone, nil
}

// memTokenStore keeps refresh rows by token hash and tombstones by jti.
// findRevokedErr injects a durable-store outage for fail-closed tests.
type memTokenStore struct {
	mu             sync.Mutex
	clock          *fakeClock
	refresh        map[string]*RefreshTokenRecord
	revoked        map[string]*RevokedToken
	findRevokedErr error
}

func newMemTokenStore(clock *fakeClock) *memTokenStore {
	return &memTokenStore{
		clock:   clock,
		refresh: make(map[string]*RefreshTokenRecord),
		revoked: make(map[string]*RevokedToken),
	}
}

func (s *memTokenStore) CreateRefreshToken(_ context.Context, rec *RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.refresh[rec.TokenHash] = &clone
	return nil
}

func (s *memTokenStore) FindRefreshToken(_ context.Context, tokenHash string) (*RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *memTokenStore) RotateRefreshToken(_ context.Context, oldTokenHash string, next *RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refresh[oldTokenHash]
	if !ok || old.RevokedAt != nil {
		return ErrNotFound
	}
	now := s.clock.Now()
	old.RevokedAt = &now
	clone := *next
	s.refresh[next.TokenHash] = &clone
	return nil
}

func (s *memTokenStore) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[tokenHash]
	if ok && rec.RevokedAt == nil {
		now := s.clock.Now()
		rec.RevokedAt = &now
	}
	return nil
}

func (s *memTokenStore) RevokeAllForAccount(_ context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.clock.Now()
	for _, rec := range s.refresh {
		if rec.AccountID == accountID && rec.RevokedAt == nil {
			rec.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *memTokenStore) InsertRevokedAccessToken(_ context.Context, rec *RevokedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[rec.JTI]; !ok {
		clone := *rec
		s.revoked[rec.JTI] = &clone
	}
	return nil
}

func (s *memTokenStore) FindRevokedAccessToken(_ context.Context, jti string) (*RevokedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findRevokedErr != nil {
		return nil, s.findRevokedErr
	}
	rec, ok := s.revoked[jti]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *memTokenStore) liveRefreshCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.refresh {
		if rec.AccountID == accountID && rec.RevokedAt == nil {
			n++
		}
	}
	return n
}

// captureNotifier records every outbound notification.
type captureNotifier struct {
	mu   sync.Mutex
	sent []Notification
	fail error
}

func (n *captureNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *captureNotifier) last(t *testing.T) Notification {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatal("expected a notification to have been sent")
	}
	return n.sent[len(n.sent)-1]
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type testFixture struct {
	clock    *fakeClock
	accounts *memAccountRepo
	tenants  *memTenantDirectory
	tokens   *memTokenStore
	cache    *memCache
	notifier *captureNotifier
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.AccessSecret = []byte("test-access-secret-0123456789abcdef")
	cfg.JWT.RefreshSecret = []byte("test-refresh-secret-0123456789abcd")
	cfg.JWT.Issuer = "authgate-test"
	cfg.JWT.Leeway = 0
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.KeyLength = 16
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *testFixture) {
	t.Helper()

	f := &testFixture{
		clock:    newFakeClock(),
		tenants:  newMemTenantDirectory(),
		cache:    newMemCache(),
		notifier: &captureNotifier{},
	}
	f.accounts = newMemAccountRepo(f.clock)
	f.tokens = newMemTokenStore(f.clock)

	engine, err := New().
		WithConfig(cfg).
		WithClock(f.clock).
		WithAccountRepository(f.accounts).
		WithTenantDirectory(f.tenants).
		WithTokenStore(f.tokens).
		WithCache(f.cache).
		WithNotifier(f.notifier).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, f
}

var testHasher = func() *password.Argon2 {
	h, err := password.NewArgon2(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		panic(err)
	}
	return h
}()

func hashPassword(t *testing.T, plaintext string) string {
	t.Helper()
	h, err := testHasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return h
}

func seedAccount(t *testing.T, f *testFixture, scope Scope, a Account, plaintext string) *Account {
	t.Helper()
	a.PasswordHash = hashPassword(t, plaintext)
	if a.PasswordChangedAt.IsZero() {
		a.PasswordChangedAt = f.clock.Now()
	}
	a.Active = true
	f.accounts.put(scope, &a)
	return &a
}

func seedTenant(f *testFixture, t *Tenant) Scope {
	f.tenants.put(t)
	return TenantScope(t)
}
