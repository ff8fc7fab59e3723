package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/pibridge/internal/bridge"
	"github.com/basket/pibridge/internal/config"
	otelPkg "github.com/basket/pibridge/internal/otel"
	"github.com/basket/pibridge/internal/pirpc"
	"github.com/basket/pibridge/internal/sessiondir"
	"github.com/basket/pibridge/internal/telemetry"
	"github.com/basket/pibridge/internal/transport"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the bridge server
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PIBRIDGE_HOME           Data directory (default: ~/.pibridge)
  PIBRIDGE_BIND_ADDR      Listen address override
  PIBRIDGE_AUTH_TOKEN     Require this token on initialize
  PIBRIDGE_PI_BINARY      Path to the pi executable
  PI_SESSION_DIR          Where pi persists session logs

EXAMPLES:
  Start the bridge:       %s
  Custom address:         %s -addr 127.0.0.1:9000
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	addr := flag.String("addr", "", "listen address (overrides config bind_addr)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("pibridge", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *addr != "" {
		cfg.BindAddr = *addr
	}

	// When stderr is not a terminal the process runs under a supervisor;
	// logs go to the file only so journald does not double-capture them.
	quietLogs := !isatty.IsTerminal(os.Stderr.Fd())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Otel.Enabled,
		Exporter:       cfg.Otel.Exporter,
		Endpoint:       cfg.Otel.Endpoint,
		SampleRate:     cfg.Otel.SampleRate,
		MetricsEnabled: cfg.Otel.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dir := sessiondir.New(cfg.SessionDir, logger)

	launcher := func(launchCtx context.Context, cwd string) (bridge.ProcessHandle, error) {
		return pirpc.Spawn(launchCtx, pirpc.Options{
			BinaryPath: cfg.PiBinary,
			SessionDir: cfg.SessionDir,
			Cwd:        cwd,
		})
	}

	factory := func(conn *transport.Conn) transport.Handler {
		return bridge.New(bridge.Deps{
			Sender:           conn,
			Directory:        dir,
			Launch:           launcher,
			Logger:           logger,
			Metrics:          metrics,
			Tracer:           otelProvider.Tracer,
			AuthToken:        cfg.AuthToken,
			UserInputTimeout: cfg.UserInputTimeout(),
		})
	}

	manager := transport.New(transport.Policy{
		MaxConnections:    cfg.Limits.MaxConnections,
		RateLimitMessages: cfg.Limits.RateLimitMessages,
		RateWindow:        cfg.RateWindow(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		PongTimeout:       cfg.PongTimeout(),
		IdleTimeout:       cfg.IdleTimeout(),
		DrainTimeout:      cfg.DrainTimeout(),
	}, factory, logger, metrics)

	if err := manager.Start(cfg.BindAddr); err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_ADDR_IN_USE",
				fmt.Errorf("%s already in use (another pibridge running?): %w", cfg.BindAddr, err))
		}
		fatalStartup(logger, "E_BIND", err)
	}
	logger.Info("startup phase", "phase", "listening", "addr", manager.Addr())

	// Structural settings (limits, bind address) need a restart; the log
	// level is the one setting applied live on config change.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Warn("config.yaml changed but failed to load", "error", err)
					continue
				}
				telemetry.SetLevel(reloaded.LogLevel)
				logger.Info("config.yaml changed",
					"log_level", reloaded.LogLevel,
					"note", "other settings apply on restart")
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	// Draining past the deadline means something is wedged; do not let a
	// stuck connection hold the process open forever.
	grace := cfg.DrainTimeout() + 5*time.Second
	forced := time.AfterFunc(grace, func() {
		fmt.Fprintln(os.Stderr, "shutdown grace expired; exiting")
		os.Exit(1)
	})
	defer forced.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"pibridge","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return false
}

// loadDotEnv reads KEY=VALUE pairs from path into the environment without
// overriding variables already set.
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
