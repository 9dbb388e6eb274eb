package engine

import (
	"context"
	"fmt"
)

// # Replay
//
// Replay is level-triggered, not edge-triggered. The engine keeps no
// memory of which drafts "should" be resent; the store already has it:
//
//	every record with status=pending is unsent or unconfirmed
//
// So replay is a single query plus a dispatch per row:
//
//	[became reachable] → ListPending → for each draft: dispatch
//	                                           ↓
//	                            inflight[key]? → skip (already sending)
//	                            otherwise      → outbox
//
// ## Why resending is safe
//
// The remote deduplicates inserts by correlation key, and the reconciler
// collapses whatever comes back onto one record per key. A draft whose
// ack was lost is resent, answered with the record the server already
// holds, and substituted like any other confirmation.
//
//	Before reconnect:
//	  m1 pending (never sent)
//	  m2 pending (server has it, ack dropped)
//	  m3 confirmed
//
//	After replay:
//	  m1 → insert → new server record → substituted
//	  m2 → insert → existing server record → substituted
//	  m3 → not listed
//
// ## Crash safety
//
// A crash anywhere in this path leaves drafts pending. The next start
// that sees the remote reachable replays them again; nothing in the store
// records that a send was attempted beyond last_error.

// replayPending dispatches every pending draft not already in flight.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) replayPending(ctx context.Context) (int, error) {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	dispatched := 0
	for _, draft := range pending {
		if e.dispatch(draft) {
			dispatched++
		}
	}

	e.logger.Debug("replay", "pending", len(pending), "dispatched", dispatched)
	return dispatched, nil
}
