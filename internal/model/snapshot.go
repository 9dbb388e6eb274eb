package model

import "time"

// TimeLayout is the wire and snapshot timestamp format.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ToMap converts a message into the generic form MarshalCanonical accepts.
// Absent server timestamps and empty errors are omitted rather than null.
func (m Message) ToMap() map[string]any {
	out := map[string]any{
		"identity":          m.ID.String(),
		"kind":              m.ID.Kind(),
		"correlation_key":   m.CorrelationKey,
		"owner_id":          m.OwnerID,
		"content":           m.Content,
		"client_created_at": FormatTime(m.ClientCreatedAt),
		"status":            string(m.Status),
		"attempts":          m.Attempts,
	}
	if m.ServerCreatedAt != nil {
		out["server_created_at"] = FormatTime(*m.ServerCreatedAt)
	}
	if m.LastError != "" {
		out["last_error"] = m.LastError
	}
	return out
}

// Snapshot renders an ordered message list as canonical JSON under name.
func Snapshot(name string, msgs []Message) ([]byte, error) {
	list := make([]any, len(msgs))
	for i, m := range msgs {
		list[i] = m.ToMap()
	}
	return MarshalCanonical(map[string]any{
		"name":     name,
		"messages": list,
	})
}
