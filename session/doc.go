// Package session defines the durable session model and its Redis read-through
// cache.
//
// A [Session] represents one authenticated device. The durable row (Postgres)
// is authoritative; the cache entry, keyed by the access-token hash, exists
// only to make validation a single Redis round-trip. Cache eviction is safe:
// validation falls back to the durable store and re-primes the cache.
//
// # Architecture boundaries
//
// This package owns the [Session] model, device-type derivation, and the
// [Cache]. It does NOT create tokens, decide expiry policy, or talk to the
// durable store — those responsibilities belong to the Service.
//
// # What this package must NOT do
//
//   - Import portalauth (no upward imports).
//   - Store plaintext tokens in [Session] fields or cache values.
package session
