// Package ir provides the shared data types of the version engine.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Payloads are Objects of sealed Values; there is no float type
//   - Canonical JSON (RFC 8785) is the only encoding used for hashing and
//     for persisted payload snapshots
//   - Version IDs are content addressed (see VersionID)
//   - Ordering within an event uses Version.Seq, never timestamps
//   - All JSON tags use snake_case
package ir
