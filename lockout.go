package authgate

import "time"

// LockoutPolicy is the effective lockout policy for one realm: engine
// defaults overlaid with tenant AuthSettings.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// ShouldLock reports whether the given failure count triggers a lock.
func (p LockoutPolicy) ShouldLock(attempts int) bool {
	return attempts >= p.Threshold
}

// ExpiryAfter returns the lock expiry for a lock starting at now.
func (p LockoutPolicy) ExpiryAfter(now time.Time) time.Time {
	return now.Add(p.Duration)
}

func (e *Engine) lockoutPolicyFor(t *Tenant) LockoutPolicy {
	policy := LockoutPolicy{
		Threshold: e.config.Lockout.Threshold,
		Duration:  e.config.Lockout.Duration,
	}
	if t == nil {
		return policy
	}
	if t.AuthSettings.LockoutThreshold > 0 {
		policy.Threshold = t.AuthSettings.LockoutThreshold
	}
	if t.AuthSettings.LockoutDuration > 0 {
		policy.Duration = t.AuthSettings.LockoutDuration
	}
	return policy
}

// accountLocked applies the lock check that runs before any hash
// comparison: an unexpired lock stamp, or a counter at threshold with no
// stamp yet.
func accountLocked(a *Account, policy LockoutPolicy, now time.Time) bool {
	if a.LockedUntil != nil {
		return now.Before(*a.LockedUntil)
	}
	return policy.ShouldLock(a.FailedLoginAttempts)
}
