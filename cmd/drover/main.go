package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/backend"
	"github.com/basket/drover/internal/browserd"
	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/channels"
	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/cron"
	"github.com/basket/drover/internal/diagnose"
	"github.com/basket/drover/internal/gate"
	"github.com/basket/drover/internal/gateway"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/onboard"
	otelPkg "github.com/basket/drover/internal/otel"
	"github.com/basket/drover/internal/telemetry"
	"github.com/basket/drover/internal/worker"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon: workers, Telegram channel,
                              gateway, scheduler

SUBCOMMANDS:
  %s status                   Show daemon health and running workers
  %s tui                      Live dashboard over the gateway
  %s import <accounts.json>   Bulk-load accounts from a JSON file
  %s doctor [-json]           Run preflight diagnostics
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DROVER_HOME                 Home directory (default: ~/.drover)
  DROVER_AUTH_TOKEN           Gateway bearer token override
  DROVER_ENCRYPTION_PASSPHRASE
                              Session encryption passphrase override
  TELEGRAM_TOKEN              Telegram bot token override

EXAMPLES:
  Run the daemon:             %s
  Watch it live:              %s tui
  Import accounts:            %s import accounts.json
  Check an install:           %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

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
		case "tui":
			os.Exit(runTuiCommand(ctx, args[1:]))
		case "import":
			os.Exit(runImportCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "version":
			fmt.Println("drover " + otelPkg.Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if cfg.FirstRun {
		if err := config.WriteStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if cfg.EncryptionPassphrase == "" {
		logger.Warn("encryption_passphrase is empty; set it before onboarding accounts")
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	recorder := otelPkg.NewRecorder(metrics, logger)
	go recorder.Run(ctx, eventBus)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fatalStartup(logger, "E_DATA_DIR_CREATE", err)
	}
	jstore, err := journal.Open(cfg.JournalPath(), logger)
	if err != nil {
		fatalStartup(logger, "E_JOURNAL_OPEN", err)
	}
	defer jstore.Close()
	logger.Info("startup phase", "phase", "journal_open", "path", cfg.JournalPath())

	store := account.NewStore(cfg.AccountsDir(), cfg.EncryptionPassphrase, logger)

	// Reservations left by a crashed onboarding would hold their names forever.
	if n, err := store.PruneUnfinalized(cfg.OnboardTimeout()); err != nil {
		logger.Warn("reservation sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("stale reservations pruned", "count", n)
	}

	driver := browserd.NewClient(cfg.Browser.Addr, 0, logger)

	var sidecar *browserd.Sidecar
	if cfg.Browser.Managed {
		sc, err := browserd.NewSidecar(cfg.Browser.Image, cfg.Browser.Addr,
			filepath.Join(cfg.AccountsDir(), string(account.BackendBrowser)), logger)
		if err != nil {
			fatalStartup(logger, "E_SIDECAR_INIT", err)
		}
		if err := sc.Start(ctx); err != nil {
			fatalStartup(logger, "E_SIDECAR_START", err)
		}
		sidecar = sc
		logger.Info("startup phase", "phase", "sidecar_started", "addr", cfg.Browser.Addr)
	}

	slots := gate.New(cfg.DirectSlots, cfg.BrowserSlots)
	factory := backend.NewFactory(cfg, store, driver, logger)
	runner := worker.NewRunner(factory, slots, store, jstore, eventBus, worker.Limits{
		MaxActions: cfg.MaxActions,
		SleepMin:   cfg.SleepMin(),
		SleepMax:   cfg.SleepMax(),
	}, logger)
	registry := worker.NewRegistry(runner.Run, logger)

	newAuth := func() (onboard.Authenticator, error) { return factory.NewAuth() }
	onboarding := onboard.NewManager(store, jstore, eventBus, newAuth, driver, cfg.OnboardTimeout(), logger)
	go onboarding.Sweep(ctx, time.Minute)

	diagnoser := diagnose.New(ctx, cfg.Diagnose, logger)
	logger.Info("startup phase", "phase", "engine_wired",
		"direct_slots", cfg.DirectSlots, "browser_slots", cfg.BrowserSlots, "max_actions", cfg.MaxActions)

	cronSched := cron.NewScheduler(cron.Config{
		Registry:  registry,
		Store:     store,
		Journal:   jstore,
		Schedules: cfg.Schedules,
		Retention: time.Duration(cfg.RetentionRunDays) * 24 * time.Hour,
		Logger:    logger,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "schedules", len(cfg.Schedules))

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, channels.Deps{
				Registry:  registry,
				Store:     store,
				Journal:   jstore,
				Onboard:   onboarding,
				Bus:       eventBus,
				Diagnoser: diagnoser,
				Logger:    logger,
			})
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	authToken, err := gateway.LoadToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Registry:  registry,
		Store:     store,
		Journal:   jstore,
		Bus:       eventBus,
		AuthToken: authToken,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher([]string{
		config.ConfigPath(cfg.HomeDir),
		cfg.ProxiesPath(),
		cfg.UserAgentsPath(),
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		current := cfg
		for ev := range watcher.Events() {
			logger.Info("config reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			factory.Reload(newCfg)
			runner.Reload(worker.Limits{
				MaxActions: newCfg.MaxActions,
				SleepMin:   newCfg.SleepMin(),
				SleepMax:   newCfg.SleepMax(),
			})
			eventBus.Publish(bus.TopicPoolsReloaded, bus.PoolsReloadedEvent{
				Proxies:    len(newCfg.Proxies),
				UserAgents: len(newCfg.UserAgents),
			})
			logger.Info("pools and limits reloaded",
				"proxies", len(newCfg.Proxies), "user_agents", len(newCfg.UserAgents))
			if fp := newCfg.Fingerprint(); fp != current.Fingerprint() {
				logger.Warn("config change needs a restart to fully apply", "fingerprint", fp)
				eventBus.Publish(bus.TopicConfigChanged, bus.ConfigChangedEvent{Fingerprint: fp})
			}
			current = newCfg
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain workers, then roll back half-done
	// onboardings. Journal and sidecar close via defers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	registry.StopAll(10 * time.Second)
	onboarding.Shutdown()
	if sidecar != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sidecar.Stop(stopCtx); err != nil {
			logger.Warn("sidecar stop failed", "error", err)
		}
		stopCancel()
		_ = sidecar.Close()
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
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
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
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
