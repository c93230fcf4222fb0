// Package audit implements the compliance audit trail: structured,
// append-only records of every sensitive action with before/after diffing and
// queryable history.
//
// # Invariants
//
// Entries are immutable once written. Nothing deletes them except the
// retention [Service.Cleanup]. Audit failures are logged but never abort the
// business operation they describe — the operation already happened.
//
// # Architecture boundaries
//
// This package owns the [Entry] model, severity derivation, field diffing,
// and the query surface over a [Store]. Durable persistence lives in
// stores/postgres.
//
// # What this package must NOT do
//
//   - Import portalauth (no upward imports).
//   - Mutate or re-derive previously written entries.
package audit
