package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/store"
)

// Store is the subset of the local store the reconciler mutates.
// Implemented by *store.Store.
type Store interface {
	Get(ctx context.Context, id model.Identity) (model.Message, error)
	FindByCorrelationKey(ctx context.Context, key string) (model.Message, error)
	ListByCorrelationKey(ctx context.Context, key string) ([]model.Message, error)
	Put(ctx context.Context, msg model.Message) error
	Delete(ctx context.Context, id model.Identity) error
	ReplaceDraft(ctx context.Context, draft model.Identity, confirmed model.Message) error
}

// ErrNotConfirmed is returned for an incoming record without a server identity.
var ErrNotConfirmed = errors.New("incoming record has no server identity")

// Outcome tells what Apply did with an incoming record.
type Outcome string

const (
	// OutcomeSubstituted: a local draft was replaced by its confirmation.
	OutcomeSubstituted Outcome = "substituted"
	// OutcomeRedelivered: the confirmed record was already stored; it was
	// overwritten in place.
	OutcomeRedelivered Outcome = "redelivered"
	// OutcomeUnchanged: a re-delivery identical to what is stored.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeInserted: the record was new to this device.
	OutcomeInserted Outcome = "inserted"
	// OutcomeSuperseded: a second server record for a correlation key that
	// already has an earlier confirmation stored; the earlier one is kept.
	OutcomeSuperseded Outcome = "superseded"
)

// Result describes one Apply call.
type Result struct {
	Outcome Outcome
	Stored  model.Message
	// Removed counts duplicates deleted by cleanup.
	Removed int
}

// Reconciler merges server-confirmed records into the local store.
//
// Apply may run any number of times, from any trigger (send
// acknowledgment, catch-up fetch, live event), for the same record. Each
// step is an idempotent upsert or delete keyed by correlation key, so
// running it again, or after an interruption, converges on the same state.
type Reconciler struct {
	store  Store
	logger *slog.Logger
}

// New creates a Reconciler over s. A nil logger uses slog.Default().
func New(s Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: s, logger: logger.With("component", "reconcile")}
}

// Apply merges one confirmed record into the store.
//
// The steps, in order:
//  1. Look up a local record by correlation key.
//  2. Found under another identity (the draft): delete it and upsert the
//     confirmed record, atomically. If the local record is itself a
//     different server confirmation, the earlier of the two is kept.
//  3. Found under the same identity: upsert in place.
//  4. Not found by key: look up by identity; upsert in place if present,
//     insert as new otherwise.
//  5. Delete every other record sharing the correlation key.
func (r *Reconciler) Apply(ctx context.Context, incoming model.Message) (Result, error) {
	if _, ok := incoming.ID.(model.ServerID); !ok {
		return Result{}, ErrNotConfirmed
	}
	incoming.Status = model.StatusConfirmed
	if err := incoming.Validate(); err != nil {
		return Result{}, fmt.Errorf("reconcile: %w", err)
	}

	var res Result

	// Step 1
	local, err := r.store.FindByCorrelationKey(ctx, incoming.CorrelationKey)
	switch {
	case err == nil:
		merged := merge(local, incoming)
		res.Stored = merged

		switch local.ID.(type) {
		case model.DraftID:
			// Step 2
			if err := r.store.ReplaceDraft(ctx, local.ID, merged); err != nil {
				return Result{}, fmt.Errorf("reconcile %s: %w", incoming.CorrelationKey, err)
			}
			res.Outcome = OutcomeSubstituted

		case model.ServerID:
			if local.ID != incoming.ID {
				// Two server confirmations for one correlation key. The
				// earlier one is kept whichever arrives first, so repeated
				// deliveries converge instead of flip-flopping.
				if prefer(local, incoming) {
					res.Stored = local
					res.Outcome = OutcomeSuperseded
					break
				}
				if err := r.store.Put(ctx, merged); err != nil {
					return Result{}, fmt.Errorf("reconcile %s: %w", incoming.CorrelationKey, err)
				}
				res.Outcome = OutcomeSubstituted
				break
			}
			// Step 3
			if local.Equal(merged) {
				res.Outcome = OutcomeUnchanged
				break
			}
			if err := r.store.Put(ctx, merged); err != nil {
				return Result{}, fmt.Errorf("reconcile %s: %w", incoming.CorrelationKey, err)
			}
			res.Outcome = OutcomeRedelivered
		}

	case store.IsNotFound(err):
		// Step 4
		res.Stored, res.Outcome, err = r.applyByIdentity(ctx, incoming)
		if err != nil {
			return Result{}, err
		}

	default:
		return Result{}, fmt.Errorf("reconcile %s: lookup: %w", incoming.CorrelationKey, err)
	}

	// Step 5
	removed, err := r.cleanup(ctx, res.Stored)
	if err != nil {
		return Result{}, err
	}
	res.Removed = removed

	r.logger.Debug("reconciled",
		"correlation_key", incoming.CorrelationKey,
		"identity", incoming.ID.String(),
		"outcome", string(res.Outcome),
		"removed", removed,
	)
	return res, nil
}

func (r *Reconciler) applyByIdentity(ctx context.Context, incoming model.Message) (model.Message, Outcome, error) {
	existing, err := r.store.Get(ctx, incoming.ID)
	switch {
	case err == nil:
		merged := merge(existing, incoming)
		if existing.Equal(merged) {
			return merged, OutcomeUnchanged, nil
		}
		if err := r.store.Put(ctx, merged); err != nil {
			return model.Message{}, "", fmt.Errorf("reconcile %s: %w", incoming.CorrelationKey, err)
		}
		return merged, OutcomeRedelivered, nil

	case store.IsNotFound(err):
		incoming.Attempts = 0
		incoming.LastError = ""
		if err := r.store.Put(ctx, incoming); err != nil {
			return model.Message{}, "", fmt.Errorf("reconcile %s: %w", incoming.CorrelationKey, err)
		}
		return incoming, OutcomeInserted, nil

	default:
		return model.Message{}, "", fmt.Errorf("reconcile %s: lookup identity: %w", incoming.CorrelationKey, err)
	}
}

// cleanup deletes every record sharing kept's correlation key under a
// different identity.
func (r *Reconciler) cleanup(ctx context.Context, kept model.Message) (int, error) {
	all, err := r.store.ListByCorrelationKey(ctx, kept.CorrelationKey)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: cleanup: %w", kept.CorrelationKey, err)
	}

	removed := 0
	for _, m := range all {
		if m.ID == kept.ID {
			continue
		}
		if err := r.store.Delete(ctx, m.ID); err != nil {
			return removed, fmt.Errorf("reconcile %s: cleanup: %w", kept.CorrelationKey, err)
		}
		r.logger.Info("removed duplicate",
			"correlation_key", kept.CorrelationKey,
			"identity", m.ID.String(),
			"kept", kept.ID.String(),
		)
		removed++
	}
	return removed, nil
}

// merge builds the record to store: the server's version, keeping the
// client's creation time and attempt history.
func merge(local, incoming model.Message) model.Message {
	out := incoming
	out.ClientCreatedAt = local.ClientCreatedAt
	out.Status = model.StatusConfirmed
	out.Attempts = local.Attempts
	out.LastError = ""
	if out.ServerCreatedAt == nil {
		out.ServerCreatedAt = local.ServerCreatedAt
	}
	return out
}

// prefer reports whether a should be kept over b when both are server
// confirmations for one correlation key: earlier server time, then lower
// identity.
func prefer(a, b model.Message) bool {
	switch {
	case a.ServerCreatedAt != nil && b.ServerCreatedAt != nil && !a.ServerCreatedAt.Equal(*b.ServerCreatedAt):
		return a.ServerCreatedAt.Before(*b.ServerCreatedAt)
	case a.ServerCreatedAt != nil && b.ServerCreatedAt == nil:
		return true
	case a.ServerCreatedAt == nil && b.ServerCreatedAt != nil:
		return false
	default:
		return a.ID.String() < b.ID.String()
	}
}
