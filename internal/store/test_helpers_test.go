package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/carrier/internal/model"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDraft builds a pending draft created offset after baseTime.
func createTestDraft(t *testing.T, key string, offset time.Duration) model.Message {
	t.Helper()
	m, err := model.NewDraft(key, "user-1", "content "+key, baseTime.Add(offset))
	if err != nil {
		t.Fatalf("NewDraft() failed: %v", err)
	}
	return m
}

// createTestConfirmed builds a confirmed record for key under a server id.
func createTestConfirmed(key, serverID string, offset time.Duration) model.Message {
	srv := baseTime.Add(offset + time.Second)
	return model.Message{
		ID:              model.ServerID(serverID),
		CorrelationKey:  key,
		OwnerID:         "user-1",
		Content:         "content " + key,
		ClientCreatedAt: baseTime.Add(offset),
		ServerCreatedAt: &srv,
		Status:          model.StatusConfirmed,
	}
}
