package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tether/internal/audit"
	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/notify"
	otelPkg "github.com/basket/tether/internal/otel"
	"github.com/basket/tether/internal/statefile"
	"github.com/basket/tether/internal/telemetry"
	"github.com/basket/tether/internal/watchdog"
)

// runWatchdogCommand starts the supervisor as its own process, so it
// survives when the bot service it restarts does not.
func runWatchdogCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tether watchdog")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger = logger.With("component", "watchdog")
	slog.SetDefault(logger)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}

	// The stream file is shared with the bot service: the watchdog reads
	// it to know which conversations died mid-call.
	streams := statefile.NewStreams(filepath.Join(cfg.StateDir(), "active-streams.json"))
	notices := statefile.NewNotices(filepath.Join(cfg.StateDir(), "restart-messages.json"))

	var notifier *notify.Notifier
	if cfg.Telegram.Token != "" {
		api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Warn("telegram init failed; crash notifications disabled", "error", err)
		} else {
			notifier = notify.New(api, notices, logger)
		}
	}

	w := watchdog.New(watchdog.Config{
		Watchdog:    cfg.Watchdog,
		HomeDir:     cfg.HomeDir,
		Logger:      logger,
		Bus:         bus.New(),
		Metrics:     metrics,
		Streams:     streams,
		Notifier:    notifier,
		AdminChatID: cfg.Telegram.AdminID,
	})

	if err := w.Run(ctx); err != nil {
		logger.Error("watchdog stopped", "error", err)
		return 1
	}
	return 0
}
