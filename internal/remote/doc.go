// Package remote is the client side of the authoritative message store.
//
// Client is the three-operation contract the sync engine depends on:
// insert one draft, fetch an owner's history, subscribe to new inserts.
// Two implementations ship here:
//
//   - HTTPClient: JSON over HTTP for insert and fetch, a WebSocket for the
//     live insert stream. Talks to the relay server in internal/relay.
//   - Memory: an in-process store with failure controls, used by tests and
//     the scenario harness.
//
// # Errors
//
// Every failure is a *Error with a Kind:
//
//   - KindNetwork: transient. The caller keeps the message pending.
//   - KindRejected: the remote refused the record.
//
// Use IsNetwork and IsRejected rather than comparing kinds directly.
package remote
