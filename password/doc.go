// Package password implements password hashing and verification with bcrypt.
//
// The cost factor is fixed at construction (default 12) so every credential in
// a deployment carries the same work factor. Verification is deterministic;
// hashing is salted and therefore non-deterministic.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Password policy (minimum
// length, reuse rules) is enforced by the Service.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords — callers supply plaintext and receive hashes.
//   - Import any other portalauth package.
//   - Log plaintext passwords at runtime.
package password
