package remote

import (
	"fmt"
	"time"

	"github.com/roach88/carrier/internal/model"
)

// Record is the JSON wire form of a message.
//
// A draft sent for insert carries no identity or server timestamp; the
// remote fills both in.
type Record struct {
	Identity        string `json:"identity,omitempty"`
	CorrelationKey  string `json:"correlation_key"`
	OwnerID         string `json:"owner_id"`
	Content         string `json:"content"`
	ClientCreatedAt string `json:"client_created_at"`
	ServerCreatedAt string `json:"server_created_at,omitempty"`
}

// RecordList wraps fetch responses.
type RecordList struct {
	Messages []Record `json:"messages"`
}

// DraftRecord converts a local draft into an insert request.
func DraftRecord(m model.Message) Record {
	return Record{
		CorrelationKey:  m.CorrelationKey,
		OwnerID:         m.OwnerID,
		Content:         m.Content,
		ClientCreatedAt: model.FormatTime(m.ClientCreatedAt),
	}
}

// ConfirmedRecord converts a confirmed message to its wire form.
func ConfirmedRecord(m model.Message) Record {
	r := DraftRecord(m)
	r.Identity = m.ID.String()
	if m.ServerCreatedAt != nil {
		r.ServerCreatedAt = model.FormatTime(*m.ServerCreatedAt)
	}
	return r
}

// ParseTime reads a wire timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return model.TruncateTime(t), nil
}

// Message converts a record returned by the remote into a confirmed message.
func (r Record) Message() (model.Message, error) {
	if r.Identity == "" {
		return model.Message{}, fmt.Errorf("record %q has no identity", r.CorrelationKey)
	}
	created, err := ParseTime(r.ClientCreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("record %s: client_created_at: %w", r.Identity, err)
	}

	m := model.Message{
		ID:              model.ServerID(r.Identity),
		CorrelationKey:  r.CorrelationKey,
		OwnerID:         r.OwnerID,
		Content:         r.Content,
		ClientCreatedAt: created,
		Status:          model.StatusConfirmed,
	}
	if r.ServerCreatedAt != "" {
		srv, err := ParseTime(r.ServerCreatedAt)
		if err != nil {
			return model.Message{}, fmt.Errorf("record %s: server_created_at: %w", r.Identity, err)
		}
		m.ServerCreatedAt = &srv
	}
	if err := m.Validate(); err != nil {
		return model.Message{}, fmt.Errorf("record %s: %w", r.Identity, err)
	}
	return m, nil
}

// Draft converts an insert request into a pending message keyed by its
// correlation key.
func (r Record) Draft() (model.Message, error) {
	created, err := ParseTime(r.ClientCreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("client_created_at: %w", err)
	}
	return model.NewDraft(r.CorrelationKey, r.OwnerID, r.Content, created)
}
