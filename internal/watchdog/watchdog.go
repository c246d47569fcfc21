// Package watchdog supervises the service process: it polls liveness,
// and when the service goes down it runs the sync, test, start cycle
// with rollback to the last known-good revision.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/notify"
	"github.com/basket/tether/internal/otel"
	"github.com/basket/tether/internal/statefile"
)

// Prober reports whether the supervised service is alive.
type Prober interface {
	Healthy(ctx context.Context) error
}

// httpProber checks the health endpoint first and falls back to the
// pid file, so a busy HTTP listener does not trigger a restart while
// the process itself is alive.
type httpProber struct {
	url     string
	pidFile string
	client  *http.Client
}

func newProber(url, pidFile string) *httpProber {
	return &httpProber{
		url:     url,
		pidFile: pidFile,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *httpProber) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	if alive, pidErr := p.processAlive(); pidErr == nil && alive {
		return nil
	}
	return fmt.Errorf("health probe failed: %w", err)
}

func (p *httpProber) processAlive() (bool, error) {
	if p.pidFile == "" {
		return false, fmt.Errorf("no pid file configured")
	}
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return false, err
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return false, fmt.Errorf("parse pid file: %w", err)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, nil
	}
	running, err := proc.IsRunning()
	if err != nil {
		return false, err
	}
	return running, nil
}

// Config holds the watchdog's dependencies.
type Config struct {
	Watchdog config.WatchdogConfig
	HomeDir  string
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otel.Metrics

	// Streams identifies conversations to notify when the service dies
	// mid-call; Notifier delivers the notices. Both may be nil.
	Streams  *statefile.Streams
	Notifier *notify.Notifier
	// AdminChatID receives operator pages when the restart procedure
	// aborts. Zero disables paging.
	AdminChatID int64

	// Prober overrides the default HTTP+pidfile probe, for tests.
	Prober Prober
	// Runner overrides subprocess execution, for tests.
	Runner Runner
}

// Watchdog is the supervisor loop.
type Watchdog struct {
	cfg      config.WatchdogConfig
	homeDir  string
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	streams  *statefile.Streams
	notifier *notify.Notifier
	admin    int64
	revision *statefile.Revision
	prober   Prober
	runner   Runner
}

func New(cfg Config) *Watchdog {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prober := cfg.Prober
	if prober == nil {
		prober = newProber(cfg.Watchdog.ServiceURL, cfg.Watchdog.PidFile)
	}
	runner := cfg.Runner
	if runner == nil {
		runner = shellRunner{}
	}
	wcfg := cfg.Watchdog
	// The restart procedure always gets at least one attempt.
	if wcfg.MaxRetries < 1 {
		wcfg.MaxRetries = 1
	}
	return &Watchdog{
		cfg:      wcfg,
		homeDir:  cfg.HomeDir,
		logger:   logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		streams:  cfg.Streams,
		notifier: cfg.Notifier,
		admin:    cfg.AdminChatID,
		revision: statefile.NewRevision(knownGoodPath(cfg.HomeDir)),
		prober:   prober,
		runner:   runner,
	}
}

// Run polls liveness until ctx is cancelled. A failed probe triggers
// the restart procedure; an exhausted or aborted procedure ends the
// loop, since unattended retries past that point can only thrash.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("watchdog started",
		"service_url", w.cfg.ServiceURL,
		"liveness_interval", w.cfg.LivenessInterval(),
	)

	ticker := time.NewTicker(w.cfg.LivenessInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := w.prober.Healthy(ctx); err != nil {
			w.logger.Error("service is down", "error", err)
			if err := w.revive(ctx); err != nil {
				return err
			}
			continue
		}

		// Maintenance runs on its own cadence, gated by the marker file
		// so process restarts do not reset the clock.
		if w.maintenanceDue() {
			w.runMaintenance()
		}
	}
}

func (w *Watchdog) publish(topic, revision, detail string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(topic, bus.WatchdogEvent{Revision: revision, Detail: detail})
}

// notifyDown tells every conversation with an in-flight call that the
// service died. The stream records are drained so the crash is
// reported exactly once.
func (w *Watchdog) notifyDown() {
	if w.streams == nil || w.notifier == nil {
		return
	}
	records, err := w.streams.Drain()
	if err != nil {
		w.logger.Error("failed to drain active streams", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	w.logger.Info("notifying interrupted conversations", "targets", notify.FormatTargets(records))
	w.notifier.Broadcast(records, "The service went down mid-request and is being restarted. Your last message may need to be re-sent.")
}

func (w *Watchdog) notifyOutcome(text string) {
	if w.notifier == nil {
		return
	}
	w.notifier.EditOutcome(text)
}

// pageAdmin delivers an operator page about an aborted restart.
func (w *Watchdog) pageAdmin(text string) {
	if w.notifier == nil {
		return
	}
	w.notifier.Alert(w.admin, text)
}
