// Package harness runs sync scenarios against a real engine.
//
// Each scenario gets a fresh SQLite store in a temporary directory, an
// in-process remote (remote.Memory), a manually toggled connectivity
// monitor, a queued key generator and a deterministic clock. Steps drive
// the engine and the remote's failure controls; after every step the
// harness waits for the engine to go idle, so the final state depends only
// on the scenario file.
//
// # Scenario Format
//
//	name: dropped_ack
//	description: "Ack lost after commit; replay must not duplicate"
//	owner: alice
//	start_reachable: true
//	steps:
//	  - attach
//	  - drop_next_ack: 1
//	  - create: { key: m1, content: "hello" }
//	  - offline
//	  - online
//	assertions:
//	  - count: 1
//	  - record: { key: m1, status: confirmed, identity: srv-1 }
//	  - remote_count: 1
//
// # Steps
//
// Bare steps are written as a plain string:
//
//   - online, offline: flip both the remote and the monitor
//   - deliver: hand queued live events to subscribers
//   - attach: subscribe to live inserts and catch up
//   - catch_up: fetch the owner's history once
//   - replay: dispatch every pending draft
//
// The rest take a value:
//
//   - create: {key, content}, key defaults to m<n>
//   - reject_next: n
//   - drop_next_ack: n
//   - duplicate_on_resend: bool
//   - foreign: {key, content, client_created_at}, written by another device
//   - retry: key
//
// # Assertions
//
//   - count: local record count
//   - record: subset match on the single record for a correlation key
//   - order: correlation keys in display order
//   - remote_count: records held by the remote
//
// # Golden Snapshots
//
// The final local state renders as canonical JSON (model.Snapshot). Tests
// compare it with testdata/golden/<name>.golden through RunWithGolden; the
// CLI uses GoldenPath, CompareGolden and UpdateGolden next to the scenario
// file.
package harness
