package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/basket/tether/internal/config"
)

// runDaemonCommand manages a background `tether run` through the same
// pidfile the watchdog uses as its fallback liveness probe.
func runDaemonCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tether daemon start|stop|status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "start":
		return daemonStart(cfg)
	case "stop":
		return daemonStop(cfg)
	case "status":
		return daemonStatus(cfg)
	default:
		fmt.Fprintln(os.Stderr, "usage: tether daemon start|stop|status")
		return 2
	}
}

func daemonStart(cfg config.Config) int {
	if pid, alive := daemonPid(cfg.Watchdog.PidFile); alive {
		fmt.Fprintf(os.Stderr, "already running (pid %d)\n", pid)
		return 1
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve executable: %v\n", err)
		return 1
	}

	logDir := filepath.Join(cfg.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create log dir: %v\n", err)
		return 1
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "daemon.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open daemon log: %v\n", err)
		return 1
	}
	defer logFile.Close()

	cmd := exec.Command(self, "run")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		return 1
	}
	// The child writes the pidfile itself once it is up.
	fmt.Printf("started (pid %d), logs in %s\n", cmd.Process.Pid, filepath.Join(logDir, "daemon.log"))
	_ = cmd.Process.Release()
	return 0
}

func daemonStop(cfg config.Config) int {
	pid, alive := daemonPid(cfg.Watchdog.PidFile)
	if !alive {
		fmt.Fprintln(os.Stderr, "not running")
		return 1
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		return 1
	}
	// Wait briefly for a clean exit before reporting.
	for i := 0; i < 50; i++ {
		if _, stillAlive := daemonPid(cfg.Watchdog.PidFile); !stillAlive {
			fmt.Println("stopped")
			return 0
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "pid %d did not exit within 5s\n", pid)
	return 1
}

func daemonStatus(cfg config.Config) int {
	pid, alive := daemonPid(cfg.Watchdog.PidFile)
	if !alive {
		fmt.Println("not running")
		return 1
	}
	fmt.Printf("running (pid %d)\n", pid)
	return 0
}

// daemonPid reads the pidfile and verifies the process still exists.
func daemonPid(pidFile string) (int, bool) {
	pid, err := readPidFile(pidFile)
	if err != nil {
		return 0, false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return pid, false
	}
	running, err := p.IsRunning()
	if err != nil {
		return pid, false
	}
	return pid, running
}

func readPidFile(path string) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("no pidfile configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile %s is malformed", path)
	}
	return pid, nil
}
