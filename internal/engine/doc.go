// Package engine implements the change-tracking engine for collaborative
// events.
//
// Every mutation runs the same contract:
//
//  1. The principal's role on the event is checked. A denial ends the
//     request with no store write.
//  2. The proposed payload is validated against the event schema.
//  3. The conflict resolver appends directly, merges with concurrent edits,
//     or reports a conflict. Lost compare-and-swap races are retried inside
//     the resolver up to a fixed bound; nothing is retried across the
//     permission check.
//  4. An accepted version carries its change summary, and a change record
//     is published to the configured notifiers.
//
// Each request ends in exactly one of Accepted, Conflict, Rejected, Denied
// or Failed. Every outcome except Accepted also returns a typed error from
// internal/errors.
//
// The engine holds no locks of its own. The only shared mutable state is
// each event's head pointer inside the VersionStore, updated by CAS, so the
// engine is safe for concurrent use and reads never wait on writers.
package engine
