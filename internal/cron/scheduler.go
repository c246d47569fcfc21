// Package cron runs the periodic housekeeping jobs: stale-session
// pruning, journal retention, and upload cleanup.
package cron

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/tether/internal/persistence"
	"github.com/basket/tether/internal/statefile"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the housekeeping scheduler.
type Config struct {
	Sessions *statefile.Sessions
	Store    *persistence.Store // may be nil
	Logger   *slog.Logger

	// UploadsDir holds transient media downloads; files older than a day
	// are removed. Empty disables cleanup.
	UploadsDir string

	// SessionMaxAge is how long an untouched session survives. Zero
	// disables pruning.
	SessionMaxAge time.Duration

	// JournalRetention bounds the message journal. Zero keeps forever.
	JournalRetention time.Duration
}

// Scheduler wraps the cron runner with the configured jobs.
type Scheduler struct {
	cfg  Config
	cron *cronlib.Cron
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:  cfg,
		cron: cronlib.New(cronlib.WithParser(cronParser)),
	}
}

// Start registers the jobs and begins the cron loop.
func (s *Scheduler) Start() error {
	// Hourly: drop sessions past their max age.
	if s.cfg.SessionMaxAge > 0 && s.cfg.Sessions != nil {
		if _, err := s.cron.AddFunc("0 * * * *", s.pruneSessions); err != nil {
			return err
		}
	}
	// Daily at 04:00: trim the message journal and old uploads.
	if _, err := s.cron.AddFunc("0 4 * * *", s.dailyCleanup); err != nil {
		return err
	}
	s.cron.Start()
	s.cfg.Logger.Info("housekeeping scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cfg.Logger.Info("housekeeping scheduler stopped")
}

func (s *Scheduler) pruneSessions() {
	cutoff := time.Now().Add(-s.cfg.SessionMaxAge)
	removed, err := s.cfg.Sessions.Prune(cutoff)
	if err != nil {
		s.cfg.Logger.Error("session pruning failed", "error", err)
		return
	}
	if removed > 0 {
		s.cfg.Logger.Info("pruned stale sessions", "removed", removed, "cutoff", cutoff.UTC())
	}
}

func (s *Scheduler) dailyCleanup() {
	if s.cfg.Store != nil && s.cfg.JournalRetention > 0 {
		cutoff := time.Now().Add(-s.cfg.JournalRetention)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		removed, err := s.cfg.Store.PruneMessages(ctx, cutoff)
		cancel()
		if err != nil {
			s.cfg.Logger.Error("journal pruning failed", "error", err)
		} else if removed > 0 {
			s.cfg.Logger.Info("pruned journal entries", "removed", removed)
		}
	}

	if s.cfg.UploadsDir != "" {
		s.cleanUploads()
	}
}

func (s *Scheduler) cleanUploads() {
	cutoff := time.Now().Add(-24 * time.Hour)
	entries, err := os.ReadDir(s.cfg.UploadsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.cfg.Logger.Error("upload cleanup failed", "error", err)
		}
		return
	}
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.cfg.UploadsDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.cfg.Logger.Info("removed stale uploads", "removed", removed)
	}
}
