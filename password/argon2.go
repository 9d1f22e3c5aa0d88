package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16

	phcPrefix = "$argon2id$"
)

// phcEncoding is the unpadded standard alphabet PHC strings use for salt
// and digest sections.
var phcEncoding = base64.RawStdEncoding

// Config holds argon2id cost parameters. Length rules for candidate
// passwords are the Policy's concern, not the hasher's.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Argon2 hashes and verifies passwords in PHC string format
// ("$argon2id$v=19$m=...,t=...,p=...$<salt>$<digest>"). Verification always
// follows the parameters embedded in the stored string, so hashes made under
// older cost settings keep verifying after a config upgrade.
type Argon2 struct {
	config Config
}

// NewArgon2 validates cost parameters and returns a hasher.
func NewArgon2(cfg Config) (*Argon2, error) {
	switch {
	case cfg.Memory < minMemoryKB:
		return nil, errors.New("password memory must be >= 8192 KB")
	case cfg.Time < minTimeCost:
		return nil, errors.New("password time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return nil, errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return nil, errors.New("password salt length must be >= 16")
	case cfg.KeyLength < minKeyLength:
		return nil, errors.New("password key length must be >= 16")
	}

	return &Argon2{config: cfg}, nil
}

// Hash derives an argon2id digest over a fresh random salt. Raw password
// bytes are used exactly as provided, no Unicode normalization.
func (a *Argon2) Hash(password string) (string, error) {
	salt := make([]byte, a.config.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	digest := argon2.IDKey(
		[]byte(password),
		salt,
		a.config.Time,
		a.config.Memory,
		a.config.Parallelism,
		a.config.KeyLength,
	)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		phcPrefix,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		phcEncoding.EncodeToString(salt),
		phcEncoding.EncodeToString(digest),
	), nil
}

// Verify recomputes the digest with the stored parameters and compares in
// constant time.
func (a *Argon2) Verify(password string, encodedHash string) (bool, error) {
	stored, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}
	candidate := stored.derive(password)
	return subtle.ConstantTimeCompare(candidate, stored.digest) == 1, nil
}

// NeedsUpgrade reports whether encodedHash was produced with weaker
// parameters than the current configuration, meaning the password should be
// rehashed at the next successful verification.
func (a *Argon2) NeedsUpgrade(encodedHash string) (bool, error) {
	stored, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}

	weaker := a.config.Memory > stored.memory ||
		a.config.Time > stored.time ||
		a.config.Parallelism > stored.threads ||
		a.config.KeyLength != uint32(len(stored.digest))
	return weaker, nil
}

// phcHash is one decoded PHC string.
type phcHash struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	digest  []byte
}

// derive recomputes the digest for password under the stored parameters.
func (h *phcHash) derive(password string) []byte {
	return argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.threads, uint32(len(h.digest)))
}

func decodePHC(encodedHash string) (*phcHash, error) {
	rest, ok := strings.CutPrefix(encodedHash, phcPrefix)
	if !ok {
		return nil, errors.New("not an argon2id hash")
	}

	sections := strings.Split(rest, "$")
	if len(sections) != 4 {
		return nil, errors.New("malformed argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(sections[0], "v=%d", &version); err != nil {
		return nil, errors.New("malformed argon2 version")
	}
	if version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	h := &phcHash{}
	if n, err := fmt.Sscanf(sections[1], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.threads); err != nil || n != 3 {
		return nil, errors.New("malformed argon2 parameters")
	}
	if h.memory < minMemoryKB || h.time < minTimeCost || h.threads < minParallelism {
		return nil, errors.New("argon2 parameters below minimums")
	}

	salt, err := phcEncoding.DecodeString(sections[2])
	if err != nil {
		return nil, errors.New("invalid salt encoding")
	}
	if uint32(len(salt)) < minSaltLength {
		return nil, errors.New("invalid salt length")
	}
	h.salt = salt

	digest, err := phcEncoding.DecodeString(sections[3])
	if err != nil {
		return nil, errors.New("invalid digest encoding")
	}
	if len(digest) == 0 {
		return nil, errors.New("invalid digest length")
	}
	h.digest = digest

	return h, nil
}
