// Package model defines the message entity shared by the local store, the
// remote client and the reconciler.
//
// # Identity
//
// A message is stored under one of two identities:
//
//   - DraftID: generated by the client at creation time. It always equals
//     the message's correlation key.
//   - ServerID: assigned by the remote store when it accepts the message.
//
// The correlation key never changes. It is the only join key between a
// local draft and the record the remote store eventually confirms.
//
// # Invariants
//
//   - At most one stored record per correlation key after reconciliation
//   - A confirmed record carries a ServerID
//   - ClientCreatedAt is never rewritten and orders the display list
//   - Confirmed is absorbing: no transition leaves it
//
// # Canonical Form
//
// Snapshots use RFC 8785 canonical JSON (sorted keys, no HTML escaping,
// NFC strings) so that golden comparisons are byte-stable.
package model
