package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxContentLength bounds message content, in runes.
const MaxContentLength = 4096

// Identity is the identifier a message is stored under.
//
// It is a closed union: a record is either a DraftID (client-generated,
// equal to its correlation key) or a ServerID (assigned by the remote
// store). Reconciliation branches switch on the concrete type.
type Identity interface {
	fmt.Stringer
	// Kind returns "draft" or "server".
	Kind() string
	sealed()
}

// DraftID is the identity of a message that the remote store has not
// confirmed yet.
type DraftID string

// ServerID is the identity assigned by the remote store on acceptance.
type ServerID string

func (d DraftID) String() string { return string(d) }
func (d DraftID) Kind() string   { return KindDraft }
func (DraftID) sealed()          {}

func (s ServerID) String() string { return string(s) }
func (s ServerID) Kind() string   { return KindServer }
func (ServerID) sealed()          {}

// Identity kinds as persisted.
const (
	KindDraft  = "draft"
	KindServer = "server"
)

// ParseIdentity rebuilds an Identity from its persisted kind and value.
func ParseIdentity(kind, value string) (Identity, error) {
	switch kind {
	case KindDraft:
		return DraftID(value), nil
	case KindServer:
		return ServerID(value), nil
	default:
		return nil, fmt.Errorf("unknown identity kind %q", kind)
	}
}

// IsConfirmedIdentity reports whether id was assigned by the remote store.
func IsConfirmedIdentity(id Identity) bool {
	_, ok := id.(ServerID)
	return ok
}

// Status is the delivery state of a message.
type Status string

const (
	// StatusPending means the remote store has not acknowledged the message.
	StatusPending Status = "pending"
	// StatusConfirmed means the remote store accepted the message and
	// returned its canonical identity. Confirmed is never left.
	StatusConfirmed Status = "confirmed"
	// StatusFailed means the remote store rejected the message too many
	// times. Failed messages are not replayed until retried.
	StatusFailed Status = "failed"
)

// ParseStatus validates a persisted status value.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusConfirmed, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Message is the sole synchronized entity.
type Message struct {
	ID              Identity
	CorrelationKey  string
	OwnerID         string
	Content         string
	ClientCreatedAt time.Time
	ServerCreatedAt *time.Time
	Status          Status
	Attempts        int
	LastError       string
}

// Validation errors.
var (
	ErrEmptyContent    = errors.New("content is empty")
	ErrContentTooLong  = fmt.Errorf("content exceeds %d characters", MaxContentLength)
	ErrMissingOwner    = errors.New("owner id is empty")
	ErrMissingKey      = errors.New("correlation key is empty")
	ErrMissingIdentity = errors.New("identity is empty")
)

// NewDraft builds a pending message whose identity is its correlation key.
// Content is NFC-normalized and the creation time is truncated to
// milliseconds, the precision both stores keep.
func NewDraft(key, ownerID, content string, now time.Time) (Message, error) {
	m := Message{
		ID:              DraftID(key),
		CorrelationKey:  key,
		OwnerID:         ownerID,
		Content:         norm.NFC.String(content),
		ClientCreatedAt: TruncateTime(now),
		Status:          StatusPending,
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// TruncateTime normalizes a timestamp to UTC milliseconds.
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Validate checks the structural rules every stored message satisfies.
func (m Message) Validate() error {
	if m.ID == nil || m.ID.String() == "" {
		return ErrMissingIdentity
	}
	if m.CorrelationKey == "" {
		return ErrMissingKey
	}
	if m.OwnerID == "" {
		return ErrMissingOwner
	}
	if m.Content == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(m.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	if _, err := ParseStatus(string(m.Status)); err != nil {
		return err
	}

	switch id := m.ID.(type) {
	case DraftID:
		if string(id) != m.CorrelationKey {
			return fmt.Errorf("draft identity %q differs from correlation key %q", id, m.CorrelationKey)
		}
		if m.Status == StatusConfirmed {
			return fmt.Errorf("confirmed message %q carries a draft identity", m.CorrelationKey)
		}
	case ServerID:
		if m.Status != StatusConfirmed {
			return fmt.Errorf("server identity %q on %s message", id, m.Status)
		}
	}
	return nil
}

// IsPending reports whether the message still awaits acknowledgment.
func (m Message) IsPending() bool { return m.Status == StatusPending }

// IsConfirmed reports whether the remote store accepted the message.
func (m Message) IsConfirmed() bool { return m.Status == StatusConfirmed }

// Equal reports whether two messages hold the same stored state.
func (m Message) Equal(o Message) bool {
	if m.ID != o.ID ||
		m.CorrelationKey != o.CorrelationKey ||
		m.OwnerID != o.OwnerID ||
		m.Content != o.Content ||
		!m.ClientCreatedAt.Equal(o.ClientCreatedAt) ||
		m.Status != o.Status ||
		m.Attempts != o.Attempts ||
		m.LastError != o.LastError {
		return false
	}
	switch {
	case m.ServerCreatedAt == nil && o.ServerCreatedAt == nil:
		return true
	case m.ServerCreatedAt == nil || o.ServerCreatedAt == nil:
		return false
	default:
		return m.ServerCreatedAt.Equal(*o.ServerCreatedAt)
	}
}

// Before orders messages for display: client creation time, then identity.
func Before(a, b Message) bool {
	if !a.ClientCreatedAt.Equal(b.ClientCreatedAt) {
		return a.ClientCreatedAt.Before(b.ClientCreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
