package engine

import (
	"context"
	"fmt"

	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/remote"
	"github.com/roach88/carrier/internal/store"
)

// dispatch hands a draft to the send workers unless its correlation key is
// already in flight. Reports whether the draft was queued.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) dispatch(draft model.Message) bool {
	if _, busy := e.inflight[draft.CorrelationKey]; busy {
		e.logger.Debug("send already in flight", "correlation_key", draft.CorrelationKey)
		return false
	}
	if !e.outbox.Enqueue(draft) {
		return false
	}
	e.inflight[draft.CorrelationKey] = struct{}{}
	return true
}

// sendWorker drains the outbox until the engine stops.
func (e *Engine) sendWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		draft, ok := e.outbox.TryDequeue()
		if !ok {
			if e.outbox.Drained() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-e.outbox.Wait():
			}
			continue
		}

		e.send(ctx, draft)
	}
}

// send performs one insert and reports the outcome to the loop.
// Runs on a worker goroutine: no store access here.
func (e *Engine) send(ctx context.Context, draft model.Message) {
	sctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	confirmed, err := e.remote.Insert(sctx, draft)
	cancel()

	e.queue.Enqueue(event{
		kind:      eventSendResult,
		msg:       draft,
		confirmed: confirmed,
		err:       err,
	})
}

// processSendResult applies an insert outcome.
//
// A success goes through the reconciler, even when a live event or a
// catch-up already confirmed the same key. A failure is applied only if
// the draft is still pending: a status never moves back from confirmed.
// CRITICAL: Called only from Run() goroutine.
func (e *Engine) processSendResult(ctx context.Context, ev event) error {
	delete(e.inflight, ev.msg.CorrelationKey)

	if ev.err == nil {
		res, err := e.apply(ctx, ev.confirmed, "send")
		if err != nil {
			return err
		}
		e.logger.Info("draft confirmed",
			"correlation_key", ev.confirmed.CorrelationKey,
			"identity", ev.confirmed.ID.String(),
			"outcome", string(res.Outcome),
		)
		return nil
	}

	current, err := e.store.Get(ctx, ev.msg.ID)
	if err != nil {
		if store.IsNotFound(err) {
			e.logger.Debug("send failure for reconciled draft ignored",
				"correlation_key", ev.msg.CorrelationKey,
				"error", ev.err,
			)
			return nil
		}
		return fmt.Errorf("read draft %s: %w", ev.msg.CorrelationKey, err)
	}
	if !current.IsPending() {
		return nil
	}

	reason := ev.err.Error()

	if remote.IsRejected(ev.err) {
		updated, err := e.store.RecordRejection(ctx, current.ID, reason, e.budget.Limit())
		if err != nil {
			return fmt.Errorf("record rejection %s: %w", current.CorrelationKey, err)
		}
		if updated.Status == model.StatusFailed {
			e.logger.Error("draft failed", "error", e.budget.Check(updated))
			return nil
		}
		e.logger.Warn("insert rejected",
			"correlation_key", updated.CorrelationKey,
			"attempts", updated.Attempts,
			"remaining", e.budget.Remaining(updated),
			"error", reason,
		)
		return nil
	}

	if err := e.store.RecordTransientFailure(ctx, current.ID, reason); err != nil {
		return fmt.Errorf("record failure %s: %w", current.CorrelationKey, err)
	}
	e.logger.Info("insert failed, will retry on reconnect",
		"correlation_key", current.CorrelationKey,
		"error", reason,
	)
	return nil
}
