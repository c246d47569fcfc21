// Package doctor runs preflight diagnostics so a broken deployment is
// diagnosed before the service starts, not after it falls over.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/guard"
	"github.com/basket/tether/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check hard-failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkToken,
		checkAgentBinary,
		checkGuardRules,
		checkDatabase,
		checkGit,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram Token", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Telegram.Token == "" {
		return CheckResult{
			Name:    "Telegram Token",
			Status:  "FAIL",
			Message: "No bot token configured",
			Detail:  "Set telegram.token in config.yaml or the TELEGRAM_BOT_TOKEN env var",
		}
	}
	if cfg.Telegram.AdminID == 0 {
		return CheckResult{Name: "Telegram Token", Status: "WARN", Message: "Token set but no admin_id; admin commands will be unavailable"}
	}
	return CheckResult{Name: "Telegram Token", Status: "PASS", Message: "Token and admin configured"}
}

func checkAgentBinary(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Agent.Bin == "" {
		return CheckResult{
			Name:    "Agent Binary",
			Status:  "FAIL",
			Message: "No agent binary configured",
			Detail:  "Set agent.bin in config.yaml",
		}
	}
	path, err := exec.LookPath(cfg.Agent.Bin)
	if err != nil {
		return CheckResult{
			Name:    "Agent Binary",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found in PATH", cfg.Agent.Bin),
		}
	}
	return CheckResult{Name: "Agent Binary", Status: "PASS", Message: path}
}

func checkGuardRules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Guard Rules", Status: "SKIP", Message: "Config missing"}
	}
	rs, err := guard.Load(cfg.Guard.RulesFile)
	if err != nil {
		return CheckResult{
			Name:    "Guard Rules",
			Status:  "FAIL",
			Message: fmt.Sprintf("Rules failed to load: %v", err),
			Detail:  "The guard fails closed; the service will deny everything until this is fixed",
		}
	}
	if _, statErr := os.Stat(cfg.Guard.RulesFile); os.IsNotExist(statErr) {
		return CheckResult{Name: "Guard Rules", Status: "PASS", Message: fmt.Sprintf("Built-in rules only (%s)", rs.Version())}
	}
	return CheckResult{Name: "Guard Rules", Status: "PASS", Message: fmt.Sprintf("Loaded %s (%s)", cfg.Guard.RulesFile, rs.Version())}
}

func checkDatabase(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  "FAIL",
			Message: fmt.Sprintf("Cannot open %s", cfg.Storage.DBPath),
			Detail:  err.Error(),
		}
	}
	defer store.Close()
	return CheckResult{Name: "Database", Status: "PASS", Message: cfg.Storage.DBPath}
}

func checkGit(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{
			Name:    "Git",
			Status:  "WARN",
			Message: "git not found; the watchdog restart procedure needs it",
		}
	}
	if cfg != nil && cfg.Watchdog.RepoDir != "" {
		cmd := exec.CommandContext(ctx, "git", "-C", cfg.Watchdog.RepoDir, "rev-parse", "--git-dir")
		if err := cmd.Run(); err != nil {
			return CheckResult{
				Name:    "Git",
				Status:  "WARN",
				Message: fmt.Sprintf("%s is not a git checkout", cfg.Watchdog.RepoDir),
			}
		}
	}
	return CheckResult{Name: "Git", Status: "PASS", Message: "git available"}
}

func checkNetwork(ctx context.Context, _ *config.Config) CheckResult {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", "api.telegram.org:443")
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "WARN",
			Message: "Cannot reach api.telegram.org",
			Detail:  err.Error(),
		}
	}
	_ = conn.Close()
	return CheckResult{Name: "Network", Status: "PASS", Message: "api.telegram.org reachable"}
}
