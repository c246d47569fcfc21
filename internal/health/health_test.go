package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func probe(t *testing.T, s *Server) (int, Status) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)

	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, st
}

func TestHealthzReportsStartingUntilReady(t *testing.T) {
	s := NewServer("127.0.0.1:0", "v-test", slog.New(slog.DiscardHandler))

	code, st := probe(t, s)
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if st.Status != "starting" {
		t.Errorf("status = %q", st.Status)
	}

	s.SetReady(true)
	s.SetRulesVersion("rules-abc123")
	code, st = probe(t, s)
	if code != http.StatusOK {
		t.Errorf("code = %d, want 200", code)
	}
	if st.Status != "ok" {
		t.Errorf("status = %q", st.Status)
	}
	if st.Revision != "v-test" {
		t.Errorf("revision = %q", st.Revision)
	}
	if st.RulesVersion != "rules-abc123" {
		t.Errorf("rules version = %q", st.RulesVersion)
	}
	if st.StartedAt == "" || st.Uptime == "" {
		t.Errorf("status body incomplete: %+v", st)
	}
}

func TestHealthzUnknownPathIs404(t *testing.T) {
	s := NewServer("127.0.0.1:0", "", slog.New(slog.DiscardHandler))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}
