package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/carrier/internal/model"
)

func TestPut_InsertAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	draft := createTestDraft(t, "k1", 0)
	if err := s.Put(ctx, draft); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := s.Get(ctx, draft.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Equal(draft) {
		t.Errorf("Get() = %+v, want %+v", got, draft)
	}
}

func TestPut_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := createTestConfirmed("k1", "srv-1", 0)
	for i := 0; i < 3; i++ {
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("Put() #%d failed: %v", i, err)
		}
	}

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestPut_NeverRewritesClientCreatedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := createTestConfirmed("k1", "srv-1", 0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	shifted := rec
	shifted.ClientCreatedAt = rec.ClientCreatedAt.Add(time.Hour)
	shifted.Content = "server edit"
	if err := s.Put(ctx, shifted); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if !got.ClientCreatedAt.Equal(rec.ClientCreatedAt) {
		t.Errorf("client_created_at changed to %v", got.ClientCreatedAt)
	}
	if got.Content != "server edit" {
		t.Errorf("content = %q, want upsert to overwrite", got.Content)
	}
}

func TestPut_ConfirmedNeverReverts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// A draft whose identity happens to be reused is the only way a
	// non-confirmed write can land on a confirmed row.
	draft := createTestDraft(t, "k1", 0)
	failed := draft
	failed.Status = model.StatusFailed
	if err := s.Put(ctx, draft); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE messages SET status = 'confirmed' WHERE identity = 'k1'`); err != nil {
		t.Fatalf("force confirmed: %v", err)
	}
	if err := s.Put(ctx, failed); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, _ := s.Get(ctx, draft.ID)
	if got.Status != model.StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
}

func TestPut_RejectsInvalid(t *testing.T) {
	s := createTestStore(t)

	bad := createTestDraft(t, "k1", 0)
	bad.Content = ""
	if err := s.Put(context.Background(), bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	draft := createTestDraft(t, "k1", 0)
	_ = s.Put(ctx, draft)

	if err := s.Delete(ctx, draft.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := s.Get(ctx, draft.ID); !IsNotFound(err) {
		t.Errorf("Get() after delete err = %v, want ErrNotFound", err)
	}

	// Second delete is a no-op
	if err := s.Delete(ctx, draft.ID); err != nil {
		t.Errorf("repeat Delete() failed: %v", err)
	}
}

func TestReplaceDraft(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	draft := createTestDraft(t, "k1", 0)
	_ = s.Put(ctx, draft)

	confirmed := createTestConfirmed("k1", "srv-1", 0)
	if err := s.ReplaceDraft(ctx, draft.ID, confirmed); err != nil {
		t.Fatalf("ReplaceDraft() failed: %v", err)
	}

	all, _ := s.ListByCorrelationKey(ctx, "k1")
	if len(all) != 1 {
		t.Fatalf("got %d records for k1, want 1", len(all))
	}
	if all[0].ID != model.ServerID("srv-1") {
		t.Errorf("identity = %v, want srv-1", all[0].ID)
	}
}

func TestReplaceDraft_InvalidLeavesDraft(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	draft := createTestDraft(t, "k1", 0)
	_ = s.Put(ctx, draft)

	bad := createTestConfirmed("k1", "srv-1", 0)
	bad.Status = model.StatusPending
	if err := s.ReplaceDraft(ctx, draft.ID, bad); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := s.Get(ctx, draft.ID); err != nil {
		t.Errorf("draft should survive failed replace: %v", err)
	}
}

func TestRecordRejection_Budget(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	draft := createTestDraft(t, "k1", 0)
	_ = s.Put(ctx, draft)

	got, err := s.RecordRejection(ctx, draft.ID, "bad request", 2)
	if err != nil {
		t.Fatalf("RecordRejection() failed: %v", err)
	}
	if got.Attempts != 1 || got.Status != model.StatusPending {
		t.Errorf("after 1 rejection: attempts=%d status=%s", got.Attempts, got.Status)
	}

	got, _ = s.RecordRejection(ctx, draft.ID, "bad request", 2)
	if got.Attempts != 2 || got.Status != model.StatusFailed {
		t.Errorf("after 2 rejections: attempts=%d status=%s", got.Attempts, got.Status)
	}
	if got.LastError != "bad request" {
		t.Errorf("last_error = %q", got.LastError)
	}

	// Failed records are no longer counted
	got, _ = s.RecordRejection(ctx, draft.ID, "again", 2)
	if got.Attempts != 2 {
		t.Errorf("failed record attempts changed to %d", got.Attempts)
	}
}

func TestRecordRejection_Unbounded(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	draft := createTestDraft(t, "k1", 0)
	_ = s.Put(ctx, draft)

	var got model.Message
	for i := 0; i < 10; i++ {
		got, _ = s.RecordRejection(ctx, draft.ID, "nope", 0)
	}
	if got.Status != model.StatusPending || got.Attempts != 10 {
		t.Errorf("unbounded budget: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestRecordRejection_Missing(t *testing.T) {
	s := createTestStore(t)
	_, err := s.RecordRejection(context.Background(), model.DraftID("nope"), "x", 3)
	if !IsNotFound(err) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordTransientFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	draft := createTestDraft(t, "k1", 0)
	_ = s.Put(ctx, draft)

	if err := s.RecordTransientFailure(ctx, draft.ID, "connection refused"); err != nil {
		t.Fatalf("RecordTransientFailure() failed: %v", err)
	}
	got, _ := s.Get(ctx, draft.ID)
	if got.LastError != "connection refused" || got.Attempts != 0 {
		t.Errorf("got last_error=%q attempts=%d", got.LastError, got.Attempts)
	}
}

func TestResetFailed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	draft := createTestDraft(t, "k1", 0)
	_ = s.Put(ctx, draft)
	_, _ = s.RecordRejection(ctx, draft.ID, "bad", 1)

	reset, err := s.ResetFailed(ctx, "k1")
	if err != nil {
		t.Fatalf("ResetFailed() failed: %v", err)
	}
	if len(reset) != 1 || reset[0].Status != model.StatusPending || reset[0].Attempts != 0 {
		t.Errorf("ResetFailed() = %+v", reset)
	}

	if _, err := s.ResetFailed(ctx, "k1"); !IsNotFound(err) {
		t.Errorf("second ResetFailed() err = %v, want ErrNotFound", err)
	}
}
