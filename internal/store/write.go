package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/carrier/internal/model"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertSQL = `
	INSERT INTO messages
	(identity, identity_kind, correlation_key, owner_id, content,
	 client_created_at, server_created_at, status, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(identity) DO UPDATE SET
		identity_kind     = excluded.identity_kind,
		correlation_key   = excluded.correlation_key,
		owner_id          = excluded.owner_id,
		content           = excluded.content,
		server_created_at = COALESCE(excluded.server_created_at, messages.server_created_at),
		status            = CASE WHEN messages.status = 'confirmed' THEN 'confirmed' ELSE excluded.status END,
		attempts          = excluded.attempts,
		last_error        = excluded.last_error
`

// Put upserts a message by identity. Idempotent.
//
// client_created_at is written on insert only and never updated, and a
// stored confirmed status is never replaced.
func (s *Store) Put(ctx context.Context, msg model.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	if err := upsert(ctx, s.db, msg); err != nil {
		return fmt.Errorf("put message %s: %w", msg.ID, err)
	}
	s.notifier.notify()
	return nil
}

func upsert(ctx context.Context, ex execer, msg model.Message) error {
	var serverCreatedAt sql.NullInt64
	if msg.ServerCreatedAt != nil {
		serverCreatedAt = sql.NullInt64{Int64: msg.ServerCreatedAt.UnixMilli(), Valid: true}
	}

	_, err := ex.ExecContext(ctx, upsertSQL,
		msg.ID.String(),
		msg.ID.Kind(),
		msg.CorrelationKey,
		msg.OwnerID,
		msg.Content,
		msg.ClientCreatedAt.UnixMilli(),
		serverCreatedAt,
		string(msg.Status),
		msg.Attempts,
		msg.LastError,
	)
	return err
}

// Delete removes a message by identity. Deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, id model.Identity) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE identity = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifier.notify()
	}
	return nil
}

// ReplaceDraft deletes a draft and upserts its confirmed record in one
// transaction. A crash leaves either the draft or the confirmed record.
func (s *Store) ReplaceDraft(ctx context.Context, draft model.Identity, confirmed model.Message) error {
	if err := confirmed.Validate(); err != nil {
		return fmt.Errorf("replace draft: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace draft: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE identity = ?`, draft.String()); err != nil {
		return fmt.Errorf("replace draft %s: delete: %w", draft, err)
	}
	if err := upsert(ctx, tx, confirmed); err != nil {
		return fmt.Errorf("replace draft %s: upsert: %w", draft, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace draft %s: commit: %w", draft, err)
	}

	s.notifier.notify()
	return nil
}

// RecordRejection counts one rejected insert against a pending message.
// When maxAttempts > 0 and the count reaches it, the message becomes failed.
// Messages that are not pending are returned unchanged.
func (s *Store) RecordRejection(ctx context.Context, id model.Identity, reason string, maxAttempts int) (model.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("record rejection: begin: %w", err)
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx, selectColumns+` WHERE identity = ?`, id.String()))
	if err != nil {
		return model.Message{}, fmt.Errorf("record rejection %s: %w", id, err)
	}
	if msg.Status != model.StatusPending {
		return msg, nil
	}

	msg.Attempts++
	msg.LastError = reason
	if maxAttempts > 0 && msg.Attempts >= maxAttempts {
		msg.Status = model.StatusFailed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET attempts = ?, last_error = ?, status = ?
		WHERE identity = ? AND status = 'pending'
	`, msg.Attempts, msg.LastError, string(msg.Status), id.String())
	if err != nil {
		return model.Message{}, fmt.Errorf("record rejection %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("record rejection %s: commit: %w", id, err)
	}

	s.notifier.notify()
	return msg, nil
}

// RecordTransientFailure notes a network failure on a pending message.
// Attempts are not counted.
func (s *Store) RecordTransientFailure(ctx context.Context, id model.Identity, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET last_error = ?
		WHERE identity = ? AND status = 'pending' AND last_error != ?
	`, reason, id.String(), reason)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifier.notify()
	}
	return nil
}

// ResetFailed moves failed records for a correlation key back to pending
// with a fresh attempt budget. Returns the reset records; ErrNotFound if
// none were failed.
func (s *Store) ResetFailed(ctx context.Context, correlationKey string) ([]model.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'pending', attempts = 0, last_error = ''
		WHERE correlation_key = ? AND status = 'failed'
	`, correlationKey)
	if err != nil {
		return nil, fmt.Errorf("reset failed %s: %w", correlationKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reset failed %s: %w", correlationKey, err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	s.notifier.notify()

	msgs, err := s.ListByCorrelationKey(ctx, correlationKey)
	if err != nil {
		return nil, err
	}
	pending := msgs[:0]
	for _, m := range msgs {
		if m.Status == model.StatusPending {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
