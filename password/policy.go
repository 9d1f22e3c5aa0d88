package password

import (
	"fmt"
	"time"
	"unicode"
)

// Policy is a composition-and-lifecycle rule set for candidate passwords.
// A zero HistoryCount with PreventReuse still checks the current hash.
type Policy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
	RequireSpecial   bool
	PreventReuse     bool
	HistoryCount     int
	ExpiryDays       int
}

// DefaultPolicy returns the baseline policy: 8 characters, all character
// classes required, no reuse enforcement, history depth 5, no expiry.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:        8,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumbers:   true,
		RequireSpecial:   true,
		HistoryCount:     5,
	}
}

// PolicyViolationError names the first rule a candidate failed.
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("password policy violation: %s", e.Reason)
}

// Validate checks candidate against the composition rules and returns a
// *PolicyViolationError naming the first failed rule.
func (p Policy) Validate(candidate string) error {
	if len(candidate) < p.MinLength {
		return &PolicyViolationError{Reason: fmt.Sprintf("must be at least %d characters", p.MinLength)}
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasNumber = true
		case !unicode.IsSpace(r):
			hasSpecial = true
		}
	}

	if p.RequireUppercase && !hasUpper {
		return &PolicyViolationError{Reason: "must contain an uppercase letter"}
	}
	if p.RequireLowercase && !hasLower {
		return &PolicyViolationError{Reason: "must contain a lowercase letter"}
	}
	if p.RequireNumbers && !hasNumber {
		return &PolicyViolationError{Reason: "must contain a number"}
	}
	if p.RequireSpecial && !hasSpecial {
		return &PolicyViolationError{Reason: "must contain a special character"}
	}

	return nil
}

// Expired reports whether a password changed at changedAt has passed the
// policy expiry. A zero ExpiryDays never expires.
func (p Policy) Expired(changedAt, now time.Time) bool {
	if p.ExpiryDays <= 0 || changedAt.IsZero() {
		return false
	}
	return now.After(changedAt.Add(time.Duration(p.ExpiryDays) * 24 * time.Hour))
}

// CheckReuse reports whether candidate matches the current hash or any of
// the most recent historyCount historical hashes. verify is the argon2
// verifier; comparison inside it is constant time.
func CheckReuse(
	verify func(password, encodedHash string) (bool, error),
	candidate string,
	currentHash string,
	history []string,
	historyCount int,
) (bool, error) {
	if currentHash != "" {
		match, err := verify(candidate, currentHash)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}

	recent := history
	if historyCount >= 0 && len(recent) > historyCount {
		// history is ordered oldest first; only the newest N count
		recent = recent[len(recent)-historyCount:]
	}
	for _, h := range recent {
		match, err := verify(candidate, h)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}

	return false, nil
}

// AppendHistory appends prevHash and truncates oldest-first to max entries.
func AppendHistory(history []string, prevHash string, max int) []string {
	if prevHash == "" {
		return history
	}
	out := make([]string, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, prevHash)
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
