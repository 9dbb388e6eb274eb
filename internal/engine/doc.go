// Package engine implements the Carrier sync engine.
//
// The engine moves messages from a device's local store to the remote
// store and folds the remote's view back in. It never blocks the caller
// on the network: CreateAndSend returns as soon as the draft is durable.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every store write happens in one goroutine, Run. Creates, send results,
// live inserts, fetch results and connectivity changes all arrive on one
// FIFO queue and are handled one at a time. The reconciler therefore never
// races itself.
//
// Event Processing Flow:
//  1. Callers and network goroutines enqueue events
//  2. Run dequeues one event at a time
//  3. processEvent routes to the handler
//  4. The handler reads and writes SQLite, and may dispatch drafts
//  5. Send workers perform inserts and enqueue the results
//
// Network I/O runs outside the loop: a fixed pool of send workers drains
// the outbox, and each catch-up fetch runs on its own goroutine.
//
// CRITICAL PATTERNS:
//
// Correlation key as join key:
// A draft's identity is its correlation key. The server assigns a new
// identity but echoes the key, and everything that reconciles a pair of
// records joins on the key.
//
// Level-triggered replay:
// On every became-reachable transition the full pending set is dispatched
// again. See replay.go.
//
// Monotonic status:
// A send failure that arrives after the draft was confirmed is dropped.
// Nothing moves a record from confirmed back to pending.
package engine
