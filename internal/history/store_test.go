package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/domain"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "calls.db")
	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestRecordStartedThenFinished(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.RecordStarted(ctx, domain.CallRecord{
		ConversationID: "conv-1",
		CallerID:       "doctor-1",
		CallType:       domain.CallVideo,
		StartedAt:      started,
	})
	if err != nil {
		t.Fatalf("record started: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != domain.RecordRinging || rec.EndedAt != nil || !rec.StartedAt.Equal(started) {
		t.Errorf("unexpected ringing row: %#v", rec)
	}

	ended := started.Add(95 * time.Second)
	if err := s.RecordFinished(ctx, id, domain.RecordCompleted, 95, ended); err != nil {
		t.Fatalf("record finished: %v", err)
	}

	rec, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != domain.RecordCompleted || rec.DurationSeconds != 95 {
		t.Errorf("expected completed/95, got %s/%d", rec.Status, rec.DurationSeconds)
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(ended) {
		t.Errorf("expected ended_at %v, got %v", ended, rec.EndedAt)
	}
	if rec.CallType != domain.CallVideo || rec.CallerID != "doctor-1" {
		t.Errorf("unexpected row: %#v", rec)
	}
}

func TestRecordFinished_UnknownID(t *testing.T) {
	s, _ := openStore(t)
	err := s.RecordFinished(context.Background(), "nope", domain.RecordMissed, 0, time.Now())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_UnknownID(t *testing.T) {
	s, _ := openStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByConversation_NewestFirst(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Sub-second offsets exercise ordering across fractional timestamps.
	offsets := []time.Duration{0, 1500 * time.Millisecond, time.Second, 3 * time.Second}
	for i, off := range offsets {
		conv := "conv-1"
		if i == 3 {
			conv = "conv-2"
		}
		if _, err := s.RecordStarted(ctx, domain.CallRecord{
			ConversationID: conv,
			CallerID:       "doctor-1",
			CallType:       domain.CallAudio,
			StartedAt:      base.Add(off),
		}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	got, err := s.ListByConversation(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	want := []time.Time{base.Add(1500 * time.Millisecond), base.Add(time.Second), base}
	for i, rec := range got {
		if !rec.StartedAt.Equal(want[i]) {
			t.Errorf("row %d: expected %v, got %v", i, want[i], rec.StartedAt)
		}
	}

	got, err = s.ListByConversation(ctx, "conv-1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected limit 1, got %d", len(got))
	}
}

func TestOpen_ReappliesNothing(t *testing.T) {
	s, path := openStore(t)
	id, err := s.RecordStarted(context.Background(), domain.CallRecord{
		ConversationID: "conv-1",
		CallerID:       "doctor-1",
		CallType:       domain.CallAudio,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	s.Close()

	again, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	if _, err := again.Get(context.Background(), id); err != nil {
		t.Fatalf("row lost after reopen: %v", err)
	}
	var n int
	if err := again.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 applied migration, got %d", n)
	}
}

func TestRecordStarted_RejectsUnknownCallType(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.RecordStarted(context.Background(), domain.CallRecord{
		ConversationID: "conv-1",
		CallerID:       "doctor-1",
		CallType:       domain.CallType("screen"),
	})
	if err == nil {
		t.Fatal("expected constraint violation")
	}
}
