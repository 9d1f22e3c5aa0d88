// Package internal holds random material generation shared by the root
// package: session identifiers, reset token codecs, delivery codes, and
// recovery codes.
package internal
