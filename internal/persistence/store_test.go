package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Reopening an already-migrated database must not re-run migrations.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}

func TestJournalAppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []JournalEntry{
		{ChatID: 1, PrincipalID: 7, Direction: "inbound", Content: "hello"},
		{ChatID: 1, PrincipalID: 7, Direction: "outbound", SessionID: "sess-1", Content: "hi there"},
		{ChatID: 2, PrincipalID: 8, Direction: "inbound", Content: "other chat"},
	}
	for _, e := range entries {
		if err := s.AppendMessage(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.ListMessages(ctx, 1, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	// Newest last.
	if got[0].Direction != "inbound" || got[1].Direction != "outbound" {
		t.Errorf("order wrong: %s then %s", got[0].Direction, got[1].Direction)
	}
	if got[1].SessionID != "sess-1" {
		t.Errorf("session id = %q", got[1].SessionID)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestJournalRejectsBadDirection(t *testing.T) {
	s := testStore(t)
	err := s.AppendMessage(context.Background(), JournalEntry{ChatID: 1, Direction: "sideways"})
	if err == nil {
		t.Fatal("expected error for invalid direction")
	}
}

func TestJournalListHonorsLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(ctx, JournalEntry{ChatID: 1, Direction: "inbound", Content: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListMessages(ctx, 1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("entries = %d, want 3", len(got))
	}
}

func TestPruneMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.AppendMessage(ctx, JournalEntry{ChatID: 1, Direction: "inbound", Content: "old"}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.PruneMessages(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	got, _ := s.ListMessages(ctx, 1, 0, 10)
	if len(got) != 0 {
		t.Errorf("entries after prune = %d", len(got))
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.AppendAudit(ctx, AuditEntry{
		TraceID:      "trace-1",
		PrincipalID:  7,
		Action:       "guard.exec",
		Target:       "rm -rf /",
		Decision:     "deny",
		Reason:       "BLOCKED: no",
		RulesVersion: "rules-abc",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendAudit(ctx, AuditEntry{
		Action:   "guard.exec",
		Target:   "ls",
		Decision: "allow",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Decision != "allow" {
		t.Errorf("order wrong: first decision %q", got[0].Decision)
	}
	if got[1].TraceID != "trace-1" || got[1].RulesVersion != "rules-abc" {
		t.Errorf("entry = %+v", got[1])
	}
	// Empty optional fields come back empty, not NULL-scan failures.
	if got[0].TraceID != "" || got[0].Reason != "" {
		t.Errorf("optional fields = %+v", got[0])
	}
}

func TestKVRoundTripAndUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetKV(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.SetKV(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetKV(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.GetKV(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if v != "v2" {
		t.Errorf("value = %q, want v2", v)
	}
}
