// Package password provides argon2id hashing in PHC string format and the
// tenant-overridable composition, reuse, and expiry policy applied to
// candidate passwords.
package password
