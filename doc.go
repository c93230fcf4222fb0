// Package portalauth implements the patient portal identity subsystem:
// credential and session lifecycle, TOTP second factor, rate-limited
// sensitive flows, and hooks into the compliance audit trail.
//
// The package is designed for concurrent server workloads: Service methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// portalauth is the public surface. It exposes [Service], [Builder],
// [Config], and value types. Durable state lives behind the [UserStore] and
// [SessionStore] interfaces (Postgres implementations under stores/postgres);
// ephemeral state — flow tokens, rate-limit counters, the session cache —
// lives in Redis behind internal packages. The audit trail is the separate
// [github.com/carewire/portalauth/audit] package, invoked as a side-channel
// recorder independent of business success or failure.
//
// # What this package must NOT do
//
//   - Expose Redis clients or cache key layouts in its public API.
//   - Persist plaintext tokens or passwords anywhere, ever.
//   - Distinguish "user not found" from "wrong password" in returned errors.
package portalauth
