package relay

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// ErrKeyConflict is returned when a correlation key is already taken by
// another owner.
var ErrKeyConflict = errors.New("correlation key belongs to another owner")

// Store persists the relay's authoritative records in SQLite.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// OpenStore opens or creates the relay database at path.
func OpenStore(path string) (*Store, error) {
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply relay schema: %w", err)
	}
	return &Store{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `identity, correlation_key, owner_id, content, client_created_at, server_created_at`

// Insert stores draft under a fresh server identity, unless its
// correlation key already exists. Returns the stored record and whether
// this call created it.
func (s *Store) Insert(ctx context.Context, draft model.Message) (model.Message, bool, error) {
	identity := "srv-" + s.newID()
	srv := model.TruncateTime(s.now())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_messages (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_key) DO NOTHING
	`, identity, draft.CorrelationKey, draft.OwnerID, draft.Content,
		draft.ClientCreatedAt.UnixMilli(), srv.UnixMilli())
	if err != nil {
		return model.Message{}, false, fmt.Errorf("insert %s: %w", draft.CorrelationKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Message{}, false, fmt.Errorf("insert %s: %w", draft.CorrelationKey, err)
	}

	rec, err := s.getByKey(ctx, draft.CorrelationKey)
	if err != nil {
		return model.Message{}, false, err
	}
	if n == 0 && rec.OwnerID != draft.OwnerID {
		return model.Message{}, false, ErrKeyConflict
	}
	return rec, n > 0, nil
}

// ListByOwner returns the owner's records in display order.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM remote_messages
		WHERE owner_id = ?
		ORDER BY client_created_at ASC, identity COLLATE BINARY ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ownerID, err)
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", ownerID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM remote_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) getByKey(ctx context.Context, key string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM remote_messages WHERE correlation_key = ?
	`, key)
	rec, err := scanRecord(row)
	if err != nil {
		return model.Message{}, fmt.Errorf("read %s: %w", key, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.Message, error) {
	var (
		identity, key, owner, content string
		clientMs, serverMs            int64
	)
	if err := row.Scan(&identity, &key, &owner, &content, &clientMs, &serverMs); err != nil {
		return model.Message{}, err
	}
	srv := time.UnixMilli(serverMs).UTC()
	return model.Message{
		ID:              model.ServerID(identity),
		CorrelationKey:  key,
		OwnerID:         owner,
		Content:         content,
		ClientCreatedAt: time.UnixMilli(clientMs).UTC(),
		ServerCreatedAt: &srv,
		Status:          model.StatusConfirmed,
	}, nil
}
