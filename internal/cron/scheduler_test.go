package cron

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/tether/internal/statefile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestPruneSessionsRemovesStaleOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	seed := map[string]statefile.SessionRecord{
		"1:0:1": {SessionID: "old", UpdatedAt: time.Now().Add(-48 * time.Hour)},
		"2:0:2": {SessionID: "fresh", UpdatedAt: time.Now()},
	}
	data, err := json.Marshal(seed)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(Config{
		Sessions:      statefile.NewSessions(path),
		Logger:        testLogger(),
		SessionMaxAge: 24 * time.Hour,
	})
	s.pruneSessions()

	all, err := s.cfg.Sessions.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("records = %d, want 1", len(all))
	}
	if _, ok := all["2:0:2"]; !ok {
		t.Error("fresh session pruned")
	}
}

func TestDailyCleanupRemovesOldUploads(t *testing.T) {
	uploads := t.TempDir()
	old := filepath.Join(uploads, "stale.ogg")
	fresh := filepath.Join(uploads, "fresh.jpg")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(uploads, "keep-dir"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(Config{Logger: testLogger(), UploadsDir: uploads})
	s.dailyCleanup()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale upload survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh upload removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(uploads, "keep-dir")); err != nil {
		t.Errorf("directory removed: %v", err)
	}
}

func TestDailyCleanupMissingUploadsDirIsQuiet(t *testing.T) {
	s := NewScheduler(Config{
		Logger:     testLogger(),
		UploadsDir: filepath.Join(t.TempDir(), "nope"),
	})
	s.dailyCleanup()
}

func TestStartAndStop(t *testing.T) {
	s := NewScheduler(Config{
		Sessions:      statefile.NewSessions(filepath.Join(t.TempDir(), "sessions.json")),
		Logger:        testLogger(),
		SessionMaxAge: time.Hour,
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
}
