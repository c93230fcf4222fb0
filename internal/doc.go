// Package internal contains helper utilities that are intentionally private to
// portalauth, including secure random token generation and hashing.
//
// # Sub-packages
//
//   - flowtoken — single-use ephemeral flow tokens (verification, reset, 2FA)
//   - rate — Redis-backed fixed-window rate limit primitives
//
// # What this package must NOT do
//
//   - Export types that appear in the public portalauth API.
//   - Be imported by any package outside the portalauth module.
package internal
