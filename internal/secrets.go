package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

// SessionID is the random identifier for MFA sessions and reset tokens,
// rendered as unpadded base64url.
type SessionID [16]byte

const (
	resetTokenRawSize = 48
	resetSecretSize   = 32

	recoveryCodeLength = 8
	recoveryCodeGroup  = 4
)

// RecoveryCodeAlphabet excludes visually ambiguous characters (0/O, 1/I).
const RecoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

func NewResetSecret() ([resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashResetSecret(secret [resetSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeResetToken packs id and secret into one opaque base64url token. Only
// the secret's hash is stored, so a store leak does not disclose live tokens.
func EncodeResetToken(resetID string, secret [resetSecretSize]byte) (string, error) {
	rid, err := ParseSessionID(resetID)
	if err != nil {
		return "", err
	}

	var raw [resetTokenRawSize]byte
	copy(raw[:len(rid)], rid[:])
	copy(raw[len(rid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeResetToken(token string) (string, [resetSecretSize]byte, error) {
	var secret [resetSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != resetTokenRawSize {
		return "", secret, errors.New("invalid reset token size")
	}

	var rid SessionID
	copy(rid[:], raw[:len(rid)])
	copy(secret[:], raw[len(rid):])

	return rid.String(), secret, nil
}

// NewOTP returns a delivery code of the given number of decimal digits.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// NewRecoveryCode returns an unformatted 8-character recovery code.
func NewRecoveryCode() (string, error) {
	var b strings.Builder
	b.Grow(recoveryCodeLength)

	max := big.NewInt(int64(len(RecoveryCodeAlphabet)))
	for i := 0; i < recoveryCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(RecoveryCodeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

// FormatRecoveryCode renders a raw code as XXXX-XXXX for display.
func FormatRecoveryCode(raw string) string {
	if len(raw) != recoveryCodeLength {
		return raw
	}
	return raw[:recoveryCodeGroup] + "-" + raw[recoveryCodeGroup:]
}

// CanonicalizeRecoveryCode uppercases input and strips separators so
// user-typed variants of the displayed code compare equal.
func CanonicalizeRecoveryCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RecoveryCodeHash binds a canonical code to its account so identical codes
// across accounts hash differently.
func RecoveryCodeHash(accountID, canonical string) [32]byte {
	return sha256.Sum256([]byte(accountID + ":" + canonical))
}
