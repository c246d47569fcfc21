package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mattn/go-isatty"

	"github.com/basket/tether/internal/agent"
	"github.com/basket/tether/internal/audit"
	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/channels"
	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/cron"
	"github.com/basket/tether/internal/guard"
	"github.com/basket/tether/internal/health"
	"github.com/basket/tether/internal/notify"
	otelPkg "github.com/basket/tether/internal/otel"
	"github.com/basket/tether/internal/persistence"
	"github.com/basket/tether/internal/session"
	"github.com/basket/tether/internal/statefile"
	"github.com/basket/tether/internal/telemetry"
	"github.com/basket/tether/internal/transcribe"
	"github.com/basket/tether/internal/workspace"
)

// runRunCommand starts the bot service: the Telegram channel in front of
// the session router, plus the health endpoint the watchdog probes.
func runRunCommand(ctx context.Context, stop context.CancelFunc, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tether run")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so logger-init failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "tether %s starting (home %s)\n", Version, cfg.HomeDir)
	}

	if cfg.Telegram.Token == "" {
		return fatalStartup(logger, "E_NO_TOKEN", fmt.Errorf("telegram.token is not configured"))
	}

	// The pidfile is the watchdog's fallback liveness probe.
	if err := writePidFile(cfg.Watchdog.PidFile); err != nil {
		return fatalStartup(logger, "E_PIDFILE_WRITE", err)
	}
	defer func() { _ = os.Remove(cfg.Watchdog.PidFile) }()

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	audit.SetDenialCounter(metrics.GuardDenials)

	store, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		return fatalStartup(logger, "E_STATE_DIR", err)
	}
	sessions := statefile.NewSessions(filepath.Join(cfg.StateDir(), "sessions.json"))
	streams := statefile.NewStreams(filepath.Join(cfg.StateDir(), "active-streams.json"))
	notices := statefile.NewNotices(filepath.Join(cfg.StateDir(), "restart-messages.json"))

	// Stream records are rebuilt from scratch each process start; anything
	// left over is handled by the channel's restart recovery, which drains
	// the file before new traffic arrives.

	workspaces := workspace.NewManager(cfg.WorkspacesDir(), cfg.BaseDir, logger)

	rules, err := guard.Load(cfg.Guard.RulesFile)
	if err != nil {
		return fatalStartup(logger, "E_GUARD_RULES", err)
	}
	liveRules := guard.NewLiveRuleset(rules)
	logger.Info("startup phase", "phase", "guard_rules_loaded", "rules_version", liveRules.Version())

	runner, err := agent.NewRunner(cfg.Agent.Bin, cfg.Agent.Args, cfg.Agent.Model, cfg.Agent.Timeout(), logger)
	if err != nil {
		return fatalStartup(logger, "E_AGENT_INIT", err)
	}

	router := session.NewRouter(session.Config{
		Sessions:   sessions,
		Streams:    streams,
		Invoker:    runner,
		Workspaces: workspaces,
		Bus:        eventBus,
		Logger:     logger,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
		AdminID:    cfg.Telegram.AdminID,
	})

	var transcriber transcribe.Transcriber
	if cfg.Transcribe.Bin != "" {
		transcriber, err = transcribe.NewCommand(cfg.Transcribe.Bin, cfg.Transcribe.Args, logger)
		if err != nil {
			return fatalStartup(logger, "E_TRANSCRIBE_INIT", err)
		}
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fatalStartup(logger, "E_TELEGRAM_INIT", err)
	}
	notifier := notify.New(api, notices, logger)

	tg := channels.NewTelegramChannel(channels.Config{
		Telegram:    cfg.Telegram,
		Router:      router,
		Sessions:    sessions,
		Streams:     streams,
		Notices:     notices,
		Notifier:    notifier,
		Store:       store,
		Transcriber: transcriber,
		Workspaces:  workspaces,
		Agent:       runner,
		Bus:         eventBus,
		Logger:      logger,
		HomeDir:     cfg.HomeDir,
		BatchWindow: cfg.BatchWindow(),
	})
	// /restart exits cleanly; the supervisor brings the service back.
	tg.RestartFunc = stop

	healthSrv := health.NewServer(cfg.BindAddr, Version, logger)
	healthSrv.SetRulesVersion(liveRules.Version())
	healthErr := make(chan error, 1)
	go func() {
		if err := healthSrv.Start(ctx); err != nil {
			healthErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "health_listener_started", "addr", cfg.BindAddr)

	cronSched := cron.NewScheduler(cron.Config{
		Sessions:         sessions,
		Store:            store,
		Logger:           logger,
		UploadsDir:       filepath.Join(cfg.HomeDir, "uploads"),
		SessionMaxAge:    time.Duration(cfg.Storage.SessionMaxAgeDays) * 24 * time.Hour,
		JournalRetention: time.Duration(cfg.Storage.JournalRetentionDays) * 24 * time.Hour,
	})
	if err := cronSched.Start(); err != nil {
		return fatalStartup(logger, "E_CRON_START", err)
	}
	defer cronSched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case "rules.yaml":
				if err := guard.ReloadFromFile(liveRules, cfg.Guard.RulesFile); err != nil {
					logger.Error("guard rules reload rejected; retaining previous rules", "error", err)
				} else {
					healthSrv.SetRulesVersion(liveRules.Version())
					logger.Info("guard rules hot-reloaded", "rules_version", liveRules.Version())
				}
			case "config.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					break
				}
				if newCfg.Fingerprint() != cfg.Fingerprint() {
					logger.Warn("config.yaml changed; restart the service to apply",
						"old", cfg.Fingerprint(), "new", newCfg.Fingerprint())
				}
			}
		}
	}()

	healthSrv.SetReady(true)
	logger.Info("startup phase", "phase", "ready")

	channelErr := make(chan error, 1)
	go func() {
		if err := tg.Start(ctx); err != nil {
			channelErr <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-channelErr:
		logger.Error("telegram channel failed", "error", err)
		code = 1
	case err := <-healthErr:
		logger.Error("health server failed", "error", err)
		code = 1
	}
	stop()

	logger.Info("shutdown complete")
	return code
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
