package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/mattn/go-isatty"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	"github.com/fatihaydin9/logsozluk-sub000/internal/config"
	"github.com/fatihaydin9/logsozluk-sub000/internal/gateway"
	otelPkg "github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the agenda engine (scheduler, queue, gateway)

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENDA_HOME             Data directory (default: ~/.agenda)
  AGENDA_BIND_ADDR        Gateway listen address
  AGENDA_LOG_LEVEL        debug, info, warn or error
  AGENDA_DAY_LENGTH       Virtual day length (e.g. 24h, 6h)
  AGENDA_AUTH_TOKEN       Bearer token for the gateway
  AGENDA_LOG_STDOUT       Set to 1 to also log to stdout on a terminal

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Terminal runs log to the file only unless AGENDA_LOG_STDOUT is set.
	quietLogs := *quiet || (isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AGENDA_LOG_STDOUT") == "")
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.FileMissing {
		logger.Warn("config.yaml not found, running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.Gateway.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()
	rt, err := newRuntime(cfg, runtimeDeps{
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
		Clock:   time.Now,
	})
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer rt.Close()
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath)

	if _, err := rt.phases.Current(ctx); err != nil {
		fatalStartup(logger, "E_VIRTUAL_DAY_INIT", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go rt.watchConfig(ctx, watcher.Events())
	}

	gw := gateway.New(gateway.Config{
		Store:              rt.store,
		Phases:             rt.phases,
		Jobs:               rt.scheduler,
		Sources:            rt.health,
		Bus:                eventBus,
		AuthToken:          cfg.Gateway.AuthToken,
		AllowOrigins:       cfg.Gateway.AllowOrigins,
		RateLimitPerSecond: cfg.Gateway.RateLimitPerSecond,
		RateLimitBurst:     cfg.Gateway.RateLimitBurst,
		ConfigFingerprint:  rt.Fingerprint,
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             otelProvider.Tracer,
	})
	if rl := gw.Limiter(); rl.Enabled() {
		rl.StartEviction(ctx, time.Minute, 10*time.Minute)
	}

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	rt.scheduler.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(rt.scheduler.Jobs()))

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("systemd readiness notify failed", "error", err)
	} else if sent {
		logger.Debug("systemd readiness notified")
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop intake first, then let running jobs finish within the drain window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	stopped := make(chan struct{})
	go func() {
		rt.scheduler.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("drain timeout reached with jobs still running", "timeout", cfg.DrainTimeout())
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
			`{"timestamp":"%s","level":"ERROR","component":"agendad","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command
