// Package jwt signs and verifies the access and refresh tokens issued by
// the engine. It has no knowledge of stores or revocation; expired and
// revoked are different questions answered by different layers.
package jwt
