package remote

import (
	"context"

	"github.com/roach88/carrier/internal/model"
)

// Client is the operation set over the remote authoritative store.
//
// Insert returns the confirmed record with the identity and server
// timestamp the remote assigned. FetchAllFor returns an owner's history
// ordered by client creation time. SubscribeInserts delivers new-row events
// for the owner at least once, with no ordering relative to Insert's own
// return.
//
// Failures are *Error values classified as KindNetwork or KindRejected.
type Client interface {
	Insert(ctx context.Context, draft model.Message) (model.Message, error)
	FetchAllFor(ctx context.Context, ownerID string) ([]model.Message, error)
	SubscribeInserts(ctx context.Context, ownerID string, onInsert func(model.Message)) (Unsubscribe, error)
}

// Unsubscribe ends a live subscription. Safe to call more than once.
type Unsubscribe func()

// Pinger checks whether the remote is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
