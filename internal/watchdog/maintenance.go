package watchdog

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	markerFile = "last-maintenance"
	// primaryLogCap is the size past which the main log is truncated
	// during maintenance.
	primaryLogCap = 50 << 20
	// rotatedLogMaxAge is how long rotated log files are kept.
	rotatedLogMaxAge = 14 * 24 * time.Hour
)

func (w *Watchdog) markerPath() string {
	return filepath.Join(w.homeDir, "state", markerFile)
}

// maintenanceDue compares the marker file's mtime against the
// maintenance interval. A missing marker means maintenance has never
// run on this host.
func (w *Watchdog) maintenanceDue() bool {
	info, err := os.Stat(w.markerPath())
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) >= w.cfg.MaintenanceInterval()
}

// runMaintenance cleans up logs and touches the marker. The marker is
// updated even when cleanup partially fails, so a persistent error
// cannot turn into a maintenance loop on every probe.
func (w *Watchdog) runMaintenance() {
	w.logger.Info("running maintenance")
	w.cleanLogs()

	if err := os.MkdirAll(filepath.Dir(w.markerPath()), 0o755); err != nil {
		w.logger.Error("failed to create state dir for maintenance marker", "error", err)
		return
	}
	now := time.Now()
	if err := os.WriteFile(w.markerPath(), []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		w.logger.Error("failed to write maintenance marker", "error", err)
	}
}

// cleanLogs removes rotated logs past their max age and truncates the
// primary log if it grew past the cap.
func (w *Watchdog) cleanLogs() {
	logDir := filepath.Join(w.homeDir, "logs")
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error("failed to read log dir", "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-rotatedLogMaxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(logDir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}

		// Rotated files carry a suffix after the base extension.
		if isRotated(name) {
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err != nil {
					w.logger.Warn("failed to remove rotated log", "file", name, "error", err)
				} else {
					w.logger.Info("removed rotated log", "file", name)
				}
			}
			continue
		}

		if info.Size() > primaryLogCap {
			if err := os.Truncate(path, 0); err != nil {
				w.logger.Warn("failed to truncate oversized log", "file", name, "error", err)
			} else {
				w.logger.Info("truncated oversized log", "file", name, "size", info.Size())
			}
		}
	}
}

func isRotated(name string) bool {
	return strings.Contains(name, ".jsonl.") || strings.Contains(name, ".log.")
}
