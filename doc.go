// Package authgate provides a multi-tenant authentication core: credential
// validation with lockout, JWT access tokens with rotating refresh tokens,
// dual-store token revocation, tenant-scoped password policy, and a
// multi-method MFA session protocol with recovery codes.
//
// The package is designed for concurrent server workloads: Engine methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config],
// the capability interfaces ([AccountRepository], [TenantDirectory],
// [TokenStore], [Cache], [Notifier]), and value types. Codec and dispatch
// details live under internal/ and are never exported. Ready-made
// infrastructure lives in pgstore (Postgres), rediscache (Redis), and
// kafkasink (Kafka audit delivery).
//
// # What this package must NOT do
//
//   - Expose store clients, password hashes, or MFA secrets in its public API.
//   - Serve HTTP or perform delivery; transports and notification pipelines
//     are the caller's concern.
//   - Retry internally; every failure surfaces as an error to the caller.
//
// # Revocation contract
//
// ValidateAccess is the hot path. Revocation lookups run under a strict
// timeout and fail closed: when neither the cache nor the durable store can
// answer, the token is treated as revoked.
package authgate
