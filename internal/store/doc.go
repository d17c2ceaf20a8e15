// Package store provides the version ledger for coedit events.
//
// A ledger is an append-only chain of immutable versions per event plus a
// head pointer naming the newest one. The head only moves by compare-and-swap:
// an append names the head it was computed against and fails with
// ErrStaleBase if another append got there first.
//
// Two implementations satisfy VersionStore:
//
//   - Memory: lock-free, for tests and embedded use. Each event's head is an
//     atomic pointer into a persistent linked list of versions.
//   - Store: SQLite (default) or Postgres. The head CAS is a conditional
//     UPDATE inside the transaction that inserts the version.
//
// # Ordering
//
// Every version carries seq, its 1-based position in the chain. History is
// always newest-first, ORDER BY seq DESC. Wall-clock timestamps are recorded
// for audit only and never used for ordering.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// Version IDs are content addressed via ir.VersionID.
package store
