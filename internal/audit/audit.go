// Package audit records guard and watchdog decisions to an append-only
// JSONL file and, when configured, the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/tether/internal/shared"
)

type entry struct {
	Timestamp    string `json:"timestamp"`
	Decision     string `json:"decision"`
	Action       string `json:"action"`
	Target       string `json:"target,omitempty"`
	Reason       string `json:"reason"`
	RulesVersion string `json:"rules_version"`
	PrincipalID  int64  `json:"principal_id,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denials   metric.Int64Counter
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// SetDenialCounter attaches the telemetry counter incremented on every
// deny decision.
func SetDenialCounter(c metric.Int64Counter) {
	mu.Lock()
	defer mu.Unlock()
	denials = c
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one decision. Secrets are redacted before persistence.
func Record(ctx context.Context, decision, action, target, reason, rulesVersion string, principalID int64) {
	if decision == "deny" {
		denyCount.Add(1)
		mu.Lock()
		c := denials
		mu.Unlock()
		if c != nil {
			c.Add(ctx, 1)
		}
	}

	reason = shared.Redact(reason)
	target = shared.Redact(target)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
			Decision:     decision,
			Action:       action,
			Target:       target,
			Reason:       reason,
			RulesVersion: rulesVersion,
			PrincipalID:  principalID,
			TraceID:      traceID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, principal_id, action, target, decision, reason, rules_version)
			VALUES (NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''));
		`, traceID, principalID, action, target, decision, reason, rulesVersion)
	}
}
