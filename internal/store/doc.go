// Package store provides the SQLite-backed local message table.
//
// The store is keyed by identity, with secondary indexes on correlation
// key, status and display order. It persists across restarts on the same
// device.
//
// # Critical Patterns
//
// Idempotent upsert
//   - Put uses ON CONFLICT(identity) DO UPDATE
//   - client_created_at is written on insert only
//   - A confirmed row never reverts to pending or failed
//
// Deterministic ordering
//   - Every list uses ORDER BY client_created_at ASC, identity COLLATE BINARY ASC
//   - Equal timestamps fall back to a stable byte-wise identity order
//
// Atomic substitution
//   - ReplaceDraft deletes the draft and writes the confirmed record in one
//     transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Subscribe exposes a coalescing change signal so a live view can re-query
// after every committed mutation.
package store
