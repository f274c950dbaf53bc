package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "data", "history.db"), time.Hour)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_RoundTrip(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	if _, err := s.Read(ctx, "u1"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}

	appendExchange(t, s, "u1", "Hello", "Hi there")
	appendExchange(t, s, "u1", "Again", "Second reply")

	rec, err := s.Read(ctx, "u1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rec.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(rec.Messages))
	}
	if rec.Messages[3].Content != "Second reply" {
		t.Errorf("last message = %q", rec.Messages[3].Content)
	}
	if rec.Identity != "u1" || rec.LastProvider != "openai" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestBoltStore_ExpiryAndPurge(t *testing.T) {
	s := openTestBolt(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	appendExchange(t, s, "old", "a", "b")
	now = now.Add(30 * time.Minute)
	appendExchange(t, s, "new", "c", "d")
	now = now.Add(45 * time.Minute)

	if _, err := s.Read(ctx, "old"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected expired record to be hidden, got %v", err)
	}

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, err := s.Read(ctx, "new"); err != nil {
		t.Errorf("live record missing: %v", err)
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenBoltStore(path, time.Hour)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendExchange(t, s, "u1", "Hello", "Hi")
	s.Close()

	s, err = OpenBoltStore(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	rec, err := s.Read(context.Background(), "u1")
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if len(rec.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(rec.Messages))
	}
}
