package authgate

import (
	"github.com/helioslabs/authgate/internal"
)

// generateRecoveryCodes mints count fresh codes for an account, returning
// the formatted plaintext (displayed once) and the hashes stored in their
// place.
func generateRecoveryCodes(accountID string, count int) ([]string, [][32]byte, error) {
	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)

	for i := 0; i < count; i++ {
		raw, err := internal.NewRecoveryCode()
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, internal.FormatRecoveryCode(raw))
		hashes = append(hashes, internal.RecoveryCodeHash(accountID, raw))
	}

	return codes, hashes, nil
}

func recoveryCodeHashFor(accountID, submitted string) [32]byte {
	return internal.RecoveryCodeHash(accountID, internal.CanonicalizeRecoveryCode(submitted))
}
