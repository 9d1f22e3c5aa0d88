package authgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func enrollTOTPAccount(t *testing.T, f *testFixture, scope Scope, id, username, plaintext string) string {
	t.Helper()

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "authgate-test", AccountName: username})
	if err != nil {
		t.Fatalf("generate totp key: %v", err)
	}

	acct := seedAccount(t, f, scope, Account{ID: id, TenantID: scope.TenantID(), Username: username}, plaintext)
	acct.MFAEnabled = true
	acct.MFAMethod = MFAMethodTOTP
	acct.MFASecret = key.Secret()
	f.accounts.put(scope, acct)

	return key.Secret()
}

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		t.Fatalf("generate totp code: %v", err)
	}
	return code
}

func startMFALogin(t *testing.T, engine *Engine, identity, plaintext string) *LoginResult {
	t.Helper()
	result, err := engine.Login(context.Background(), LoginRequest{Identity: identity, Password: plaintext})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !result.MFARequired || result.MFASessionID == "" {
		t.Fatalf("expected MFA challenge, got %+v", result)
	}
	return result
}

func TestConfirmLoginMFATOTPSuccess(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	secret := enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")

	confirmed, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, totpCode(t, secret, f.clock.Now()))
	if err != nil {
		t.Fatalf("ConfirmLoginMFA failed: %v", err)
	}
	if confirmed.Tokens == nil || confirmed.Tokens.AccessToken == "" {
		t.Fatal("expected tokens after confirmation")
	}
	if f.cache.has("mfs:" + challenge.MFASessionID) {
		t.Fatal("expected session to be consumed")
	}
}

func TestConfirmLoginMFASessionSingleUse(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	secret := enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")
	code := totpCode(t, secret, f.clock.Now())

	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, code); err != nil {
		t.Fatalf("first confirmation failed: %v", err)
	}
	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, code); !errors.Is(err, ErrMFASessionExpired) {
		t.Fatalf("expected ErrMFASessionExpired on replay, got %v", err)
	}
	if got := f.tokens.liveRefreshCount("acc-1"); got != 1 {
		t.Fatalf("expected exactly one issued pair, got %d live refresh tokens", got)
	}
}

func TestConfirmLoginMFAWrongCodeLeavesSession(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	secret := enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")

	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, "000000"); !errors.Is(err, ErrMFAVerificationFailed) {
		t.Fatalf("expected ErrMFAVerificationFailed, got %v", err)
	}
	if !f.cache.has("mfs:" + challenge.MFASessionID) {
		t.Fatal("expected session to survive a failed attempt")
	}

	// still confirmable with the right code
	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, totpCode(t, secret, f.clock.Now())); err != nil {
		t.Fatalf("confirmation after failed attempt failed: %v", err)
	}
}

func TestConfirmLoginMFAAttemptsExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MFA.MaxAttempts = 2
	engine, f := newTestEngine(t, cfg)
	enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")

	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, "000000"); !errors.Is(err, ErrMFAVerificationFailed) {
		t.Fatalf("expected ErrMFAVerificationFailed, got %v", err)
	}
	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, "000000"); !errors.Is(err, ErrMFASessionExpired) {
		t.Fatalf("expected ErrMFASessionExpired at max attempts, got %v", err)
	}
	if f.cache.has("mfs:" + challenge.MFASessionID) {
		t.Fatal("expected session to be deleted at max attempts")
	}
}

func TestConfirmLoginMFASessionExpires(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	secret := enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")
	f.clock.Advance(testConfig().MFA.SessionTTL + time.Minute)

	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, totpCode(t, secret, f.clock.Now())); !errors.Is(err, ErrMFASessionExpired) {
		t.Fatalf("expected ErrMFASessionExpired, got %v", err)
	}
}

func TestConfirmLoginMFAUnknownSession(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig())
	if _, err := engine.ConfirmLoginMFA(context.Background(), "no-such-session", "123456"); !errors.Is(err, ErrMFASessionExpired) {
		t.Fatalf("expected ErrMFASessionExpired, got %v", err)
	}
}

func TestConfirmLoginMFASMSCode(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	acct := seedAccount(t, f, SystemScope(), Account{
		ID: "acc-1", Username: "alice", Phone: "+15550100",
	}, "Str0ng!pass")
	acct.MFAEnabled = true
	acct.MFAMethod = MFAMethodSMS
	f.accounts.put(SystemScope(), acct)

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")
	code := f.notifier.last(t).Code

	confirmed, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, code)
	if err != nil {
		t.Fatalf("ConfirmLoginMFA failed: %v", err)
	}
	if confirmed.Tokens == nil {
		t.Fatal("expected tokens after sms confirmation")
	}
}

func TestConfirmLoginMFASMSCodeExpiresBeforeSession(t *testing.T) {
	cfg := testConfig()
	cfg.MFA.SessionTTL = 10 * time.Minute
	cfg.MFA.CodeTTL = 2 * time.Minute
	engine, f := newTestEngine(t, cfg)
	acct := seedAccount(t, f, SystemScope(), Account{
		ID: "acc-1", Username: "alice", Phone: "+15550100",
	}, "Str0ng!pass")
	acct.MFAEnabled = true
	acct.MFAMethod = MFAMethodSMS
	f.accounts.put(SystemScope(), acct)

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")
	code := f.notifier.last(t).Code

	// past the code window but inside the session window
	f.clock.Advance(3 * time.Minute)

	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, code); !errors.Is(err, ErrMFAVerificationFailed) {
		t.Fatalf("expected ErrMFAVerificationFailed for stale code, got %v", err)
	}
}

func TestConfirmLoginRecoveryCode(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	codes, hashes, err := generateRecoveryCodes("acc-1", 10)
	if err != nil {
		t.Fatalf("generate recovery codes: %v", err)
	}
	if err := f.accounts.ReplaceRecoveryCodes(context.Background(), SystemScope(), "acc-1", hashes); err != nil {
		t.Fatalf("store recovery codes: %v", err)
	}

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")

	confirmed, err := engine.ConfirmLoginRecoveryCode(context.Background(), challenge.MFASessionID, codes[0])
	if err != nil {
		t.Fatalf("ConfirmLoginRecoveryCode failed: %v", err)
	}
	if confirmed.Tokens == nil {
		t.Fatal("expected tokens after recovery code login")
	}

	// the code is burned: a fresh session cannot reuse it
	second := startMFALogin(t, engine, "alice", "Str0ng!pass")
	if _, err := engine.ConfirmLoginRecoveryCode(context.Background(), second.MFASessionID, codes[0]); !errors.Is(err, ErrRecoveryCodeInvalid) {
		t.Fatalf("expected ErrRecoveryCodeInvalid on reuse, got %v", err)
	}
}

func TestConfirmLoginRecoveryCodeCaseAndSeparatorInsensitive(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	codes, hashes, err := generateRecoveryCodes("acc-1", 1)
	if err != nil {
		t.Fatalf("generate recovery codes: %v", err)
	}
	_ = f.accounts.ReplaceRecoveryCodes(context.Background(), SystemScope(), "acc-1", hashes)

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")

	// lowercase, no dash
	submitted := ""
	for _, r := range codes[0] {
		if r == '-' {
			continue
		}
		submitted += string(r | 0x20)
	}

	if _, err := engine.ConfirmLoginRecoveryCode(context.Background(), challenge.MFASessionID, submitted); err != nil {
		t.Fatalf("expected canonicalized code to verify, got %v", err)
	}
}

func TestConfirmLoginRecoveryCodeInvalidLeavesSession(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	secret := enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")
	_, hashes, _ := generateRecoveryCodes("acc-1", 1)
	_ = f.accounts.ReplaceRecoveryCodes(context.Background(), SystemScope(), "acc-1", hashes)

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")

	if _, err := engine.ConfirmLoginRecoveryCode(context.Background(), challenge.MFASessionID, "AAAA-AAAA"); !errors.Is(err, ErrRecoveryCodeInvalid) {
		t.Fatalf("expected ErrRecoveryCodeInvalid, got %v", err)
	}
	if !f.cache.has("mfs:" + challenge.MFASessionID) {
		t.Fatal("expected session to survive an invalid recovery code")
	}

	if _, err := engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, totpCode(t, secret, f.clock.Now())); err != nil {
		t.Fatalf("expected session still usable with totp, got %v", err)
	}
}

func TestConfirmLoginMFAConcurrentConfirms(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	secret := enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	challenge := startMFALogin(t, engine, "alice", "Str0ng!pass")
	code := totpCode(t, secret, f.clock.Now())

	const confirms = 8
	errs := make([]error, confirms)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(confirms)
	for i := 0; i < confirms; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			_, errs[i] = engine.ConfirmLoginMFA(context.Background(), challenge.MFASessionID, code)
		}(i)
	}
	start.Done()
	done.Wait()

	var succeeded int
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrMFASessionExpired):
		default:
			t.Fatalf("confirm %d: unexpected error %v", i, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one confirmation to win, got %d", succeeded)
	}
	if got := f.tokens.liveRefreshCount("acc-1"); got != 1 {
		t.Fatalf("expected exactly one issued pair, got %d live refresh tokens", got)
	}
}

func TestConfirmLoginRecoveryCodeConcurrentConsume(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	enrollTOTPAccount(t, f, SystemScope(), "acc-1", "alice", "Str0ng!pass")

	codes, hashes, err := generateRecoveryCodes("acc-1", 10)
	if err != nil {
		t.Fatalf("generate recovery codes: %v", err)
	}
	if err := f.accounts.ReplaceRecoveryCodes(context.Background(), SystemScope(), "acc-1", hashes); err != nil {
		t.Fatalf("store recovery codes: %v", err)
	}

	// distinct pending sessions, all presenting the same code
	const consumers = 8
	sessions := make([]string, consumers)
	for i := range sessions {
		sessions[i] = startMFALogin(t, engine, "alice", "Str0ng!pass").MFASessionID
	}

	errs := make([]error, consumers)
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(consumers)
	for i := 0; i < consumers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			_, errs[i] = engine.ConfirmLoginRecoveryCode(context.Background(), sessions[i], codes[0])
		}(i)
	}
	start.Done()
	done.Wait()

	var succeeded int
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrRecoveryCodeInvalid):
		default:
			t.Fatalf("consumer %d: unexpected error %v", i, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one consumer to win the code, got %d", succeeded)
	}
	if got := f.tokens.liveRefreshCount("acc-1"); got != 1 {
		t.Fatalf("expected exactly one issued pair, got %d live refresh tokens", got)
	}
}

func TestConfirmLoginMFATenantSuspendedMidSession(t *testing.T) {
	engine, f := newTestEngine(t, testConfig())
	tenant := &Tenant{ID: "t1", Slug: "acme", SchemaName: "tenant_acme", Status: TenantActive}
	scope := seedTenant(f, tenant)
	secret := enrollTOTPAccount(t, f, scope, "acc-1", "bob", "Str0ng!pass")

	result, err := engine.Login(context.Background(), LoginRequest{Identity: "bob", Password: "Str0ng!pass", TenantRef: "acme"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	suspended := *tenant
	suspended.Status = TenantSuspended
	f.tenants.put(&suspended)

	if _, err := engine.ConfirmLoginMFA(context.Background(), result.MFASessionID, totpCode(t, secret, f.clock.Now())); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("expected ErrTenantInactive, got %v", err)
	}
}
