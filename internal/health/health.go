// Package health exposes the liveness endpoint the watchdog probes.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the /healthz response body.
type Status struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	Revision     string `json:"revision,omitempty"`
	RulesVersion string `json:"rules_version,omitempty"`
	StartedAt    string `json:"started_at"`
}

// Server answers liveness probes on a local HTTP listener.
type Server struct {
	addr     string
	revision string
	logger   *slog.Logger
	started  time.Time
	ready    atomic.Bool
	srv      *http.Server

	mu    sync.Mutex
	rules string
}

func NewServer(addr, revision string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, revision: revision, logger: logger, started: time.Now()}
}

// SetReady flips the reported status between "starting" and "ok".
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetRulesVersion records the active guard ruleset version so operators
// can confirm a hot reload took effect.
func (s *Server) SetRulesVersion(v string) {
	s.mu.Lock()
	s.rules = v
	s.mu.Unlock()
}

func (s *Server) rulesVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := Status{
			Status:       "ok",
			Uptime:       time.Since(s.started).Round(time.Second).String(),
			Revision:     s.revision,
			RulesVersion: s.rulesVersion(),
			StartedAt:    s.started.UTC().Format(time.RFC3339),
		}
		code := http.StatusOK
		if !s.ready.Load() {
			st.Status = "starting"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.logger.Info("health endpoint listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
