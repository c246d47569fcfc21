package watchdog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/tether/internal/bus"
)

// Terminal failures end the restart procedure immediately; anything
// else is retried up to MaxRetries.
var (
	// errConflict marks a merge that cannot fast-forward. Conflicts need
	// a human; retrying would hit the same wall every time.
	errConflict = errors.New("source sync conflict")
	// errNoBaseline marks a test failure with no safe revision to roll
	// back to: either none was ever recorded, or the recorded one is the
	// revision that just failed.
	errNoBaseline = errors.New("no known-good revision to roll back to")
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, command string) (string, error)
}

type shellRunner struct{}

func (shellRunner) Run(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

func knownGoodPath(homeDir string) string {
	return filepath.Join(homeDir, "state", "known-good")
}

// revive runs the restart procedure: sync, test, start, verify. Test
// failures roll back and retry; conflicts and a missing rollback
// baseline abort immediately.
func (w *Watchdog) revive(ctx context.Context) error {
	w.publish(bus.TopicWatchdogDown, "", "service down, starting restart procedure")
	w.notifyDown()

	var lastErr error
	doSync := true
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if w.metrics != nil {
			w.metrics.RestartAttempts.Add(ctx, 1)
		}
		w.logger.Info("restart attempt", "attempt", attempt, "max_retries", w.cfg.MaxRetries)

		rev, err := w.cycle(ctx, doSync)
		// A retry after a rollback must test the rolled-back tree, not
		// fast-forward straight back onto the revision that just failed.
		doSync = false
		if err == nil {
			w.logger.Info("service recovered", "revision", rev)
			w.publish(bus.TopicWatchdogRecovered, rev, fmt.Sprintf("recovered on attempt %d", attempt))
			w.notifyOutcome("The service is back up. You can continue where you left off.")
			return nil
		}

		lastErr = err
		if errors.Is(err, errConflict) || errors.Is(err, errNoBaseline) {
			w.logger.Error("restart aborted", "error", err)
			break
		}
		w.logger.Warn("restart attempt failed", "attempt", attempt, "error", err)
	}

	w.publish(bus.TopicWatchdogGaveUp, "", lastErr.Error())
	w.notifyOutcome("The service could not be restarted automatically. An operator needs to look at it.")
	w.pageAdmin("Restart procedure aborted, service left down: " + lastErr.Error())
	return fmt.Errorf("restart procedure gave up: %w", lastErr)
}

// cycle is one restart attempt. On success it returns the revision the
// service is now running, which has become the new known-good.
func (w *Watchdog) cycle(ctx context.Context, doSync bool) (string, error) {
	if doSync {
		if err := w.sync(ctx); err != nil {
			return "", err
		}
	}

	head, err := w.head(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}

	if out, err := w.runner.Run(ctx, w.cfg.RepoDir, w.cfg.TestCmd); err != nil {
		w.logger.Error("test gate failed", "revision", head, "output", tail(out, 2000))
		if rbErr := w.rollback(ctx, head); rbErr != nil {
			return "", rbErr
		}
		w.pageAdmin(fmt.Sprintf("Tests failed at %s, rolled back to the known-good revision. Output: %s", short(head), tail(out, 500)))
		return "", fmt.Errorf("tests failed at %s: %w", short(head), err)
	}

	if err := w.restart(ctx); err != nil {
		w.logger.Error("start gate failed", "revision", head, "error", err)
		if rbErr := w.rollback(ctx, head); rbErr != nil {
			return "", rbErr
		}
		w.pageAdmin(fmt.Sprintf("Service failed to start at %s, rolled back to the known-good revision: %v", short(head), err))
		return "", fmt.Errorf("start failed at %s: %w", short(head), err)
	}

	// The revision passed tests AND came up healthy; only now does it
	// become the rollback baseline.
	if err := w.revision.Set(head); err != nil {
		w.logger.Error("failed to record known-good revision", "revision", head, "error", err)
	}
	return head, nil
}

// sync fast-forwards the checkout onto the remote branch. A failed
// fetch (offline host) proceeds with local state; a merge that cannot
// fast-forward is a conflict and aborts the whole procedure.
func (w *Watchdog) sync(ctx context.Context) error {
	if out, err := w.runner.Run(ctx, w.cfg.RepoDir, "git fetch origin "+w.cfg.Branch); err != nil {
		w.logger.Warn("git fetch failed, continuing with local state", "output", tail(out, 500), "error", err)
		return nil
	}
	out, err := w.runner.Run(ctx, w.cfg.RepoDir, "git merge --ff-only origin/"+w.cfg.Branch)
	if err != nil {
		rev, _ := w.runner.Run(ctx, w.cfg.RepoDir, "git rev-parse origin/"+w.cfg.Branch)
		return fmt.Errorf("%w at %s: %s", errConflict, short(rev), tail(out, 500))
	}
	return nil
}

func (w *Watchdog) head(ctx context.Context) (string, error) {
	return w.runner.Run(ctx, w.cfg.RepoDir, "git rev-parse HEAD")
}

// rollback resets the working tree to the known-good revision after a
// failed attempt. A hard reset discards any local modifications that
// would make a plain checkout refuse to move. Rolling back onto the
// failing revision itself is pointless, so that case aborts instead.
func (w *Watchdog) rollback(ctx context.Context, failedRev string) error {
	known, err := w.revision.Get()
	if err != nil {
		return err
	}
	if known == "" {
		return errNoBaseline
	}
	if known == failedRev {
		return fmt.Errorf("%w: known-good %s is the failing revision", errNoBaseline, short(known))
	}
	if _, err := w.runner.Run(ctx, w.cfg.RepoDir, "git reset --hard "+known); err != nil {
		return fmt.Errorf("roll back to %s: %w", short(known), err)
	}
	w.logger.Info("rolled back to known-good revision", "revision", known)
	return nil
}

// restart stops the old process, starts the new one, waits out the
// startup grace, and verifies the probe.
func (w *Watchdog) restart(ctx context.Context) error {
	if w.cfg.StopCmd != "" {
		// Stop failure is expected when the process already died.
		if out, err := w.runner.Run(ctx, w.cfg.RepoDir, w.cfg.StopCmd); err != nil {
			w.logger.Debug("stop command failed", "output", tail(out, 500), "error", err)
		}
	}
	if out, err := w.runner.Run(ctx, w.cfg.RepoDir, w.cfg.StartCmd); err != nil {
		return fmt.Errorf("start command failed: %s: %w", tail(out, 500), err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.cfg.StartupGrace()):
	}

	if err := w.prober.Healthy(ctx); err != nil {
		return fmt.Errorf("service did not come up after start: %w", err)
	}
	return nil
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
