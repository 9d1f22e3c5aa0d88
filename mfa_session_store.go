package authgate

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	mfaSessionKeyPrefix     = "mfs"
	mfaSetupKeyPrefix       = "msc"
	mfaSessionRecordVersion = 1
	mfaSetupRecordVersion   = 1
)

var (
	errMFASessionNotFound = errors.New("mfa session not found")
	errMFASessionExpired  = errors.New("mfa session expired")
	errMFASessionBackend  = errors.New("mfa session backend unavailable")
)

// mfaSession is the cache record behind one pending MFA login. Code holds
// the delivered sms/email code; TOTP sessions carry none.
type mfaSession struct {
	AccountID     string
	TenantRef     string
	UserType      string
	Method        string
	Code          string
	CodeExpiresAt int64
	ExpiresAt     int64
	Attempts      uint16
}

// mfaSetupChallenge is the cache record behind one pending enrollment,
// keyed per account so a fresh BeginMFASetup replaces the previous one.
type mfaSetupChallenge struct {
	Method      string
	Secret      string
	Code        string
	Destination string
	ExpiresAt   int64
}

type mfaSessionStore struct {
	cache Cache
	clock Clock
}

func newMFASessionStore(cache Cache, clock Clock) *mfaSessionStore {
	return &mfaSessionStore{cache: cache, clock: clock}
}

func (s *mfaSessionStore) sessionKey(sessionID string) string {
	return mfaSessionKeyPrefix + ":" + sessionID
}

func (s *mfaSessionStore) setupKey(scopeKey, accountID string) string {
	return mfaSetupKeyPrefix + ":" + scopeKey + ":" + accountID
}

func (s *mfaSessionStore) SaveSession(ctx context.Context, sessionID string, rec *mfaSession, ttl time.Duration) error {
	encoded, err := encodeMFASession(rec)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, s.sessionKey(sessionID), encoded, ttl); err != nil {
		return fmt.Errorf("%w: %v", errMFASessionBackend, err)
	}
	return nil
}

func (s *mfaSessionStore) GetSession(ctx context.Context, sessionID string) (*mfaSession, error) {
	data, err := s.cache.Get(ctx, s.sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, errMFASessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", errMFASessionBackend, err)
	}

	rec, err := decodeMFASession(data)
	if err != nil {
		return nil, err
	}
	if s.clock.Now().Unix() > rec.ExpiresAt {
		_, _ = s.cache.Del(ctx, s.sessionKey(sessionID))
		return nil, errMFASessionExpired
	}
	return rec, nil
}

// DeleteSession reports whether this call removed the record; the single-use
// guard for confirmations rides on that bool.
func (s *mfaSessionStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	deleted, err := s.cache.Del(ctx, s.sessionKey(sessionID))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errMFASessionBackend, err)
	}
	return deleted, nil
}

// RecordFailure bumps the attempt counter and deletes the session once
// maxAttempts is reached. The read-modify-write is best effort; the
// delete-count guard on success remains the correctness barrier.
func (s *mfaSessionStore) RecordFailure(ctx context.Context, sessionID string, maxAttempts int) (bool, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}

	rec.Attempts++
	if int(rec.Attempts) >= maxAttempts {
		_, err := s.DeleteSession(ctx, sessionID)
		return true, err
	}

	ttl := time.Duration(rec.ExpiresAt-s.clock.Now().Unix()) * time.Second
	if ttl <= 0 {
		_, _ = s.DeleteSession(ctx, sessionID)
		return false, errMFASessionExpired
	}
	return false, s.SaveSession(ctx, sessionID, rec, ttl)
}

func (s *mfaSessionStore) SaveSetup(ctx context.Context, scopeKey, accountID string, rec *mfaSetupChallenge, ttl time.Duration) error {
	encoded, err := encodeMFASetupChallenge(rec)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, s.setupKey(scopeKey, accountID), encoded, ttl); err != nil {
		return fmt.Errorf("%w: %v", errMFASessionBackend, err)
	}
	return nil
}

func (s *mfaSessionStore) GetSetup(ctx context.Context, scopeKey, accountID string) (*mfaSetupChallenge, error) {
	data, err := s.cache.Get(ctx, s.setupKey(scopeKey, accountID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, errMFASessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", errMFASessionBackend, err)
	}

	rec, err := decodeMFASetupChallenge(data)
	if err != nil {
		return nil, err
	}
	if s.clock.Now().Unix() > rec.ExpiresAt {
		_, _ = s.cache.Del(ctx, s.setupKey(scopeKey, accountID))
		return nil, errMFASessionExpired
	}
	return rec, nil
}

func (s *mfaSessionStore) DeleteSetup(ctx context.Context, scopeKey, accountID string) (bool, error) {
	deleted, err := s.cache.Del(ctx, s.setupKey(scopeKey, accountID))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errMFASessionBackend, err)
	}
	return deleted, nil
}

func encodeMFASession(rec *mfaSession) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(mfaSessionRecordVersion)

	if err := binary.Write(&buf, binary.BigEndian, rec.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.CodeExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{rec.AccountID, rec.TenantRef, rec.UserType, rec.Method, rec.Code} {
		if err := writeLenPrefixed(&buf, field); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeMFASession(data []byte) (*mfaSession, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaSessionRecordVersion {
		return nil, errors.New("invalid mfa session version")
	}

	rec := &mfaSession{}
	if err := binary.Read(reader, binary.BigEndian, &rec.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.CodeExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []*string{&rec.AccountID, &rec.TenantRef, &rec.UserType, &rec.Method, &rec.Code} {
		value, err := readLenPrefixed(reader)
		if err != nil {
			return nil, err
		}
		*field = value
	}

	return rec, nil
}

func encodeMFASetupChallenge(rec *mfaSetupChallenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(mfaSetupRecordVersion)

	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}
	for _, field := range []string{rec.Method, rec.Secret, rec.Code, rec.Destination} {
		if err := writeLenPrefixed(&buf, field); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeMFASetupChallenge(data []byte) (*mfaSetupChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaSetupRecordVersion {
		return nil, errors.New("invalid mfa setup version")
	}

	rec := &mfaSetupChallenge{}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	for _, field := range []*string{&rec.Method, &rec.Secret, &rec.Code, &rec.Destination} {
		value, err := readLenPrefixed(reader)
		if err != nil {
			return nil, err
		}
		*field = value
	}

	return rec, nil
}

func writeLenPrefixed(buf *bytes.Buffer, value string) error {
	if len(value) > 65535 {
		return errors.New("field length exceeded")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(value))); err != nil {
		return err
	}
	buf.WriteString(value)
	return nil
}

func readLenPrefixed(reader *bytes.Reader) (string, error) {
	var length uint16
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", err
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
