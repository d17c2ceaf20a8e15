// Package harness runs scripted collaboration scenarios against the change
// tracking engine and checks how each request ends.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: disjoint_merge
//	description: "Two editors change different fields from the same base"
//	granularity: field
//	setup:
//	  - as: alice
//	    do: create
//	    event: ev-1
//	    payload: { title: Standup, location: Room 1 }
//	  - as: alice
//	    do: share
//	    principal: bob
//	    role: editor
//	flow:
//	  - as: bob
//	    do: update
//	    base: 1
//	    set: { title: Daily standup }
//	    expect: { outcome: accepted, seq: 2 }
//	assertions:
//	  - type: final_state
//	    event: ev-1
//	    expect: { title: Daily standup }
//
// Steps act as one principal. Omitting event targets the event most recently
// created; base and target name versions by seq, with zero meaning the head
// when the step runs. Two steps with the same base model two clients that
// read the event at the same time.
//
// # Assertion Types
//
//   - final_state: subset match on the head payload, plus absent fields and
//     the deleted flag
//   - history_count: number of versions of an event
//   - outcome_count: number of flow steps with an outcome
//   - changelog_kinds: change kinds of the audit log, newest first
//   - verified: the event's version chain passes Engine.Verify
//
// # Determinism
//
// Every run uses a fresh in-memory SQLite store, a stepping clock and a
// sequential ID generator, so the same scenario always produces the same
// trace. RunWithGolden compares that trace and the final state against a
// golden file in testdata/golden.
package harness
