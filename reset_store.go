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
	resetKeyPrefix     = "prt"
	resetRecordVersion = 1
)

var (
	errResetNotFound = errors.New("reset token not found")
	errResetBackend  = errors.New("reset token backend unavailable")
)

// passwordResetRecord is the at-rest state of one reset token. Only the
// SHA-256 of the token secret is kept.
type passwordResetRecord struct {
	AccountID  string
	TenantRef  string
	UserType   string
	SecretHash [32]byte
	ExpiresAt  int64
}

type passwordResetStore struct {
	cache Cache
	clock Clock
}

func newPasswordResetStore(cache Cache, clock Clock) *passwordResetStore {
	return &passwordResetStore{cache: cache, clock: clock}
}

func (s *passwordResetStore) key(resetID string) string {
	return resetKeyPrefix + ":" + resetID
}

func (s *passwordResetStore) Save(ctx context.Context, resetID string, rec *passwordResetRecord, ttl time.Duration) error {
	encoded, err := encodeResetRecord(rec)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, s.key(resetID), encoded, ttl); err != nil {
		return fmt.Errorf("%w: %v", errResetBackend, err)
	}
	return nil
}

func (s *passwordResetStore) Get(ctx context.Context, resetID string) (*passwordResetRecord, error) {
	data, err := s.cache.Get(ctx, s.key(resetID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, errResetNotFound
		}
		return nil, fmt.Errorf("%w: %v", errResetBackend, err)
	}

	rec, err := decodeResetRecord(data)
	if err != nil {
		return nil, err
	}
	if s.clock.Now().Unix() > rec.ExpiresAt {
		_, _ = s.cache.Del(ctx, s.key(resetID))
		return nil, errResetNotFound
	}
	return rec, nil
}

// Delete reports whether this call removed the record; confirmation rides
// on that bool to make reset tokens single use.
func (s *passwordResetStore) Delete(ctx context.Context, resetID string) (bool, error) {
	deleted, err := s.cache.Del(ctx, s.key(resetID))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errResetBackend, err)
	}
	return deleted, nil
}

func encodeResetRecord(rec *passwordResetRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(resetRecordVersion)

	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(rec.SecretHash[:])

	for _, field := range []string{rec.AccountID, rec.TenantRef, rec.UserType} {
		if err := writeLenPrefixed(&buf, field); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodeResetRecord(data []byte) (*passwordResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersion {
		return nil, errors.New("invalid reset record version")
	}

	rec := &passwordResetRecord{}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, rec.SecretHash[:]); err != nil {
		return nil, err
	}

	for _, field := range []*string{&rec.AccountID, &rec.TenantRef, &rec.UserType} {
		value, err := readLenPrefixed(reader)
		if err != nil {
			return nil, err
		}
		*field = value
	}

	return rec, nil
}
