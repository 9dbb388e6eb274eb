package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/carrier/internal/model"
)

// Attach subscribes to live inserts for ownerID and runs one catch-up.
//
// The subscription outlives the call and ends when Run returns. Attaching
// the same owner again skips the subscription and only catches up. The
// owner is remembered so that later reconnects repeat the catch-up.
//
// A catch-up failure is returned but leaves the subscription in place.
func (e *Engine) Attach(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return NewInvalidMessageError(model.ErrMissingOwner)
	}

	if err := e.subscribe(ownerID); err != nil {
		return err
	}

	_, err := e.call(ctx, event{kind: eventCatchUp, ownerID: ownerID, attach: true})
	return err
}

// OnRemoteInsert is the live subscription callback. It never touches the
// store; the record is reconciled by the loop.
func (e *Engine) OnRemoteInsert(confirmed model.Message) {
	if !e.queue.Enqueue(event{kind: eventRemoteInsert, msg: confirmed}) {
		e.logger.Debug("live insert dropped: engine stopped", "correlation_key", confirmed.CorrelationKey)
	}
}

func (e *Engine) subscribe(ownerID string) error {
	e.subMu.Lock()
	_, exists := e.subs[ownerID]
	e.subMu.Unlock()
	if exists {
		return nil
	}

	unsubscribe, err := e.remote.SubscribeInserts(e.life, ownerID, e.OnRemoteInsert)
	if err != nil {
		return fmt.Errorf("subscribe inserts for %s: %w", ownerID, err)
	}

	e.subMu.Lock()
	defer e.subMu.Unlock()
	if _, exists := e.subs[ownerID]; exists {
		// Lost a race with a concurrent Attach.
		unsubscribe()
		return nil
	}
	e.subs[ownerID] = unsubscribe
	e.logger.Info("subscribed to live inserts", "owner_id", ownerID)
	return nil
}

func (e *Engine) releaseSubscriptions() {
	e.cancelLife()

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for owner, unsubscribe := range e.subs {
		unsubscribe()
		delete(e.subs, owner)
	}
}

// attachedOwners returns attached owners in a stable order.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) attachedOwners() []string {
	owners := make([]string, 0, len(e.owners))
	for o := range e.owners {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

// startFetch fetches an owner's history off the loop goroutine.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) startFetch(ctx context.Context, ownerID string, replyTo chan reply) {
	e.fetching++
	go func() {
		records, err := e.remote.FetchAllFor(ctx, ownerID)
		e.queue.Enqueue(event{
			kind:    eventFetchResult,
			ownerID: ownerID,
			records: records,
			err:     err,
			reply:   replyTo,
		})
	}()
}

// processFetchResult reconciles every fetched record.
// A failed fetch is logged and reported to the waiting caller only.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) processFetchResult(ctx context.Context, ev event) error {
	e.fetching--

	if ev.err != nil {
		e.logger.Warn("catch-up failed", "owner_id", ev.ownerID, "error", ev.err)
		ev.respond(reply{err: ev.err})
		return nil
	}

	applied := 0
	var firstErr error
	for _, rec := range ev.records {
		if _, err := e.apply(ctx, rec, "catch_up"); err != nil {
			logEventError(e.logger, event{kind: eventFetchResult, msg: rec, ownerID: ev.ownerID}, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied++
	}

	e.logger.Info("catch-up applied",
		"owner_id", ev.ownerID,
		"records", len(ev.records),
		"applied", applied,
	)
	ev.respond(reply{n: applied, err: firstErr})
	return nil
}
