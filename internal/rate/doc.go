// Package rate provides Redis-backed fixed-window attempt counters keyed by
// (action, client IP) for security-sensitive portal flows.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Check and
// Increment are two separate round-trips; concurrent requests from the same
// key can therefore slip past the threshold by a small margin. That is
// accepted for abuse deterrence — the limiter is not a hard security
// boundary.
//
// # What this package must NOT do
//
//   - Decide which flows are limited (the Service owns the policy table).
//   - Be imported outside the portalauth module.
package rate
