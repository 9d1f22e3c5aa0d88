package authgate

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpVerifier wraps RFC 6238 generation and validation: 30 s period, six
// digits, SHA-1, one step of skew either side.
type totpVerifier struct {
	issuer string
}

func newTOTPVerifier(issuer string) *totpVerifier {
	return &totpVerifier{issuer: issuer}
}

// GenerateSecret returns a fresh base32 secret and the otpauth:// URI
// authenticator apps enroll from.
func (v *totpVerifier) GenerateSecret(accountName string) (secret string, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Verify checks code against secret at the given instant.
func (v *totpVerifier) Verify(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
