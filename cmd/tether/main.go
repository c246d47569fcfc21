package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/tether/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s run                      Start the bot service (Telegram channel,
                              session router, /healthz endpoint)
  %s watchdog                 Start the process supervisor for the bot
                              service (liveness probe + test-gated restart)
  %s guard                    Policy hook: read one action descriptor as
                              JSON on stdin, exit 0 (allow) or 2 (deny)
  %s status                   Show service health status (/healthz)
  %s daemon start             Start the bot service in the background
  %s daemon stop              Stop the background bot service
  %s daemon status            Check the background bot service
  %s doctor [-json]           Run diagnostic checks

ENVIRONMENT VARIABLES:
  TETHER_HOME             Data directory (default: ~/.tether)
  TELEGRAM_BOT_TOKEN      Bot token (overrides telegram.token)
  TETHER_ADMIN_ID         Admin principal id (overrides telegram.admin_id)

EXAMPLES:
  Run the service:        %s run
  Supervise it:           %s watchdog
  Vet a command:          echo '{"kind":"exec","command":"rm -rf /"}' | %s guard
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(runRunCommand(ctx, stop, args[1:]))
	case "watchdog":
		os.Exit(runWatchdogCommand(ctx, args[1:]))
	case "guard":
		os.Exit(runGuardCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "daemon":
		os.Exit(runDaemonCommand(args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "version", "-version", "--version":
		fmt.Println("tether", Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message, "", 0)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
