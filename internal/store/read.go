package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/carrier/internal/model"
)

const selectColumns = `
	SELECT identity, identity_kind, correlation_key, owner_id, content,
	       client_created_at, server_created_at, status, attempts, last_error
	FROM messages`

// displayOrder is the one ordering every list uses: client creation time,
// then identity as a byte-wise tiebreak.
const displayOrder = ` ORDER BY client_created_at ASC, identity COLLATE BINARY ASC`

type scanner interface {
	Scan(dest ...any) error
}

// Get returns the message stored under id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id model.Identity) (model.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectColumns+` WHERE identity = ?`, id.String()))
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}

// FindByCorrelationKey returns the record for a correlation key, or
// ErrNotFound. If duplicates exist (before cleanup has run), a confirmed
// record is preferred, then the lowest identity.
func (s *Store) FindByCorrelationKey(ctx context.Context, key string) (model.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectColumns+`
		WHERE correlation_key = ?
		ORDER BY CASE status WHEN 'confirmed' THEN 0 ELSE 1 END, identity COLLATE BINARY ASC
		LIMIT 1
	`, key))
	if err != nil {
		return model.Message{}, fmt.Errorf("find by correlation key %s: %w", key, err)
	}
	return msg, nil
}

// ListByCorrelationKey returns every record sharing a correlation key.
func (s *Store) ListByCorrelationKey(ctx context.Context, key string) ([]model.Message, error) {
	return s.list(ctx, "list by correlation key", selectColumns+` WHERE correlation_key = ?`+displayOrder, key)
}

// ListPending returns all pending messages in display order.
func (s *Store) ListPending(ctx context.Context) ([]model.Message, error) {
	return s.list(ctx, "list pending", selectColumns+` WHERE status = 'pending'`+displayOrder)
}

// ListFailed returns all messages that exhausted their rejection budget.
func (s *Store) ListFailed(ctx context.Context) ([]model.Message, error) {
	return s.list(ctx, "list failed", selectColumns+` WHERE status = 'failed'`+displayOrder)
}

// ListOrderedByClientCreatedAt returns every message in display order.
//
// Returns an empty slice (not nil) if the store is empty.
func (s *Store) ListOrderedByClientCreatedAt(ctx context.Context) ([]model.Message, error) {
	return s.list(ctx, "list messages", selectColumns+displayOrder)
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}

	return msgs, nil
}

func scanMessage(row scanner) (model.Message, error) {
	var (
		identity, kind, status string
		clientCreatedAt        int64
		serverCreatedAt        sql.NullInt64
		msg                    model.Message
	)

	err := row.Scan(
		&identity,
		&kind,
		&msg.CorrelationKey,
		&msg.OwnerID,
		&msg.Content,
		&clientCreatedAt,
		&serverCreatedAt,
		&status,
		&msg.Attempts,
		&msg.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("scan message: %w", err)
	}

	if msg.ID, err = model.ParseIdentity(kind, identity); err != nil {
		return model.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if msg.Status, err = model.ParseStatus(status); err != nil {
		return model.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.ClientCreatedAt = time.UnixMilli(clientCreatedAt).UTC()
	if serverCreatedAt.Valid {
		t := time.UnixMilli(serverCreatedAt.Int64).UTC()
		msg.ServerCreatedAt = &t
	}
	return msg, nil
}
