package remote

import (
	"context"
	"errors"

	"github.com/roach88/carrier/internal/model"
)

// ErrNoRemote is wrapped by every Offline failure.
var ErrNoRemote = errors.New("no remote configured")

// Offline is the Client used when no relay is configured. Every request
// fails as a network error, so drafts stay pending until a remote exists.
type Offline struct{}

// Ping implements Pinger.
func (Offline) Ping(ctx context.Context) error {
	return NetworkError("ping", ErrNoRemote)
}

func (Offline) Insert(ctx context.Context, draft model.Message) (model.Message, error) {
	return model.Message{}, NetworkError("insert", ErrNoRemote)
}

func (Offline) FetchAllFor(ctx context.Context, ownerID string) ([]model.Message, error) {
	return nil, NetworkError("fetch", ErrNoRemote)
}

// SubscribeInserts succeeds with a subscription that never fires.
func (Offline) SubscribeInserts(ctx context.Context, ownerID string, onInsert func(model.Message)) (Unsubscribe, error) {
	return func() {}, nil
}
