// Package config loads and watches the service configuration. Settings
// come from config.yaml in the Tether home directory, with environment
// overrides layered on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/tether/internal/otel"
)

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AdminID    int64   `yaml:"admin_id"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	GroupID    int64   `yaml:"group_id"`
}

// Allowed reports whether a principal may talk to the service at all.
// The admin is always allowed.
func (t TelegramConfig) Allowed(principalID int64) bool {
	if principalID == t.AdminID && t.AdminID != 0 {
		return true
	}
	for _, id := range t.AllowedIDs {
		if id == principalID {
			return true
		}
	}
	return false
}

type AgentConfig struct {
	Bin            string   `yaml:"bin"`
	Args           []string `yaml:"args"`
	Model          string   `yaml:"model"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type WatchdogConfig struct {
	// ServiceURL is the health endpoint of the supervised process.
	ServiceURL string `yaml:"service_url"`
	// PidFile is the fallback liveness probe when the endpoint is down.
	PidFile string `yaml:"pid_file"`

	LivenessIntervalSeconds  int `yaml:"liveness_interval_seconds"`
	StartupGraceSeconds      int `yaml:"startup_grace_seconds"`
	MaxRetries               int `yaml:"max_retries"`
	MaintenanceIntervalHours int `yaml:"maintenance_interval_hours"`

	// RepoDir is the service checkout the watchdog syncs and tests.
	RepoDir  string `yaml:"repo_dir"`
	Branch   string `yaml:"branch"`
	TestCmd  string `yaml:"test_cmd"`
	StartCmd string `yaml:"start_cmd"`
	StopCmd  string `yaml:"stop_cmd"`
}

func (w WatchdogConfig) LivenessInterval() time.Duration {
	return time.Duration(w.LivenessIntervalSeconds) * time.Second
}

func (w WatchdogConfig) StartupGrace() time.Duration {
	return time.Duration(w.StartupGraceSeconds) * time.Second
}

func (w WatchdogConfig) MaintenanceInterval() time.Duration {
	return time.Duration(w.MaintenanceIntervalHours) * time.Hour
}

type GuardConfig struct {
	RulesFile string `yaml:"rules_file"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
	// SessionMaxAgeDays controls stale-session pruning. 0 disables it.
	SessionMaxAgeDays int `yaml:"session_max_age_days"`
	// JournalRetentionDays controls message journal pruning. 0 keeps forever.
	JournalRetentionDays int `yaml:"journal_retention_days"`
}

type TranscribeConfig struct {
	Bin  string   `yaml:"bin"`
	Args []string `yaml:"args"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// BatchWindowMillis is how long inbound messages from the same
	// conversation are held so rapid bursts become one agent call.
	BatchWindowMillis int `yaml:"batch_window_millis"`

	// BaseDir is the project directory with the shared prompt files that
	// get linked into each workspace.
	BaseDir string `yaml:"base_dir"`

	Telegram   TelegramConfig   `yaml:"telegram"`
	Agent      AgentConfig      `yaml:"agent"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Guard      GuardConfig      `yaml:"guard"`
	Storage    StorageConfig    `yaml:"storage"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Otel       otel.Config      `yaml:"otel"`
}

func (c Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMillis) * time.Millisecond
}

// StateDir is where the JSON state files live.
func (c Config) StateDir() string {
	return filepath.Join(c.HomeDir, "state")
}

// WorkspacesDir is the root for per-chat workspaces.
func (c Config) WorkspacesDir() string {
	return filepath.Join(c.HomeDir, "workspaces")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|agent=%s|model=%s|timeout=%d|batch=%d",
		c.BindAddr, c.LogLevel, c.Agent.Bin, c.Agent.Model, c.Agent.TimeoutSeconds, c.BatchWindowMillis)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:          "127.0.0.1:18790",
		LogLevel:          "info",
		BatchWindowMillis: 1500,
		Agent: AgentConfig{
			TimeoutSeconds: 300,
		},
		Watchdog: WatchdogConfig{
			ServiceURL:               "http://127.0.0.1:18790/healthz",
			LivenessIntervalSeconds:  30,
			StartupGraceSeconds:      15,
			MaxRetries:               3,
			MaintenanceIntervalHours: 6,
			Branch:                   "main",
		},
		Storage: StorageConfig{
			SessionMaxAgeDays:    30,
			JournalRetentionDays: 90,
		},
	}
}

// HomeDir resolves the Tether home directory, TETHER_HOME overriding
// the default ~/.tether.
func HomeDir() string {
	if override := os.Getenv("TETHER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tether")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the Tether home, creating the home
// directory if needed.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tether home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BatchWindowMillis <= 0 {
		cfg.BatchWindowMillis = 1500
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		cfg.Agent.TimeoutSeconds = 300
	}
	if cfg.Watchdog.LivenessIntervalSeconds <= 0 {
		cfg.Watchdog.LivenessIntervalSeconds = 30
	}
	if cfg.Watchdog.StartupGraceSeconds <= 0 {
		cfg.Watchdog.StartupGraceSeconds = 15
	}
	if cfg.Watchdog.MaxRetries <= 0 {
		cfg.Watchdog.MaxRetries = 3
	}
	if cfg.Watchdog.MaintenanceIntervalHours <= 0 {
		cfg.Watchdog.MaintenanceIntervalHours = 6
	}
	if cfg.Watchdog.ServiceURL == "" {
		cfg.Watchdog.ServiceURL = "http://" + cfg.BindAddr + "/healthz"
	}
	if strings.TrimSpace(cfg.Watchdog.Branch) == "" {
		cfg.Watchdog.Branch = "main"
	}
	if cfg.Watchdog.PidFile == "" {
		cfg.Watchdog.PidFile = filepath.Join(cfg.HomeDir, "tether.pid")
	}
	if cfg.Guard.RulesFile == "" {
		cfg.Guard.RulesFile = filepath.Join(cfg.HomeDir, "rules.yaml")
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(cfg.HomeDir, "tether.db")
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = cfg.HomeDir
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TETHER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TETHER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TETHER_ADMIN_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.AdminID = v
		}
	}
	if raw := os.Getenv("TETHER_AGENT_BIN"); raw != "" {
		cfg.Agent.Bin = raw
	}
	if raw := os.Getenv("TETHER_AGENT_MODEL"); raw != "" {
		cfg.Agent.Model = raw
	}
	if raw := os.Getenv("TETHER_AGENT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agent.TimeoutSeconds = v
		}
	}
}
