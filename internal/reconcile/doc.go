// Package reconcile merges server-confirmed messages into the local store.
//
// A confirmed record reaches a device three ways: as the response to its
// own insert, from a catch-up fetch, or as a live insert event. Any of them
// can duplicate or race the others. Reconciler.Apply is therefore a fixed
// sequence of idempotent steps keyed by correlation key, never a single
// check-then-act:
//
//  1. find by correlation key
//  2. replace a draft with its confirmation
//  3. overwrite an existing confirmation in place
//  4. otherwise find by identity, or insert as new
//  5. delete any other record sharing the correlation key
//
// Interrupting Apply between steps and running it again converges on one
// record per correlation key.
package reconcile
