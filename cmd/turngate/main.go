package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/turngate/internal/agentrpc"
	"github.com/basket/turngate/internal/audit"
	"github.com/basket/turngate/internal/bus"
	"github.com/basket/turngate/internal/config"
	"github.com/basket/turngate/internal/gateway"
	otelPkg "github.com/basket/turngate/internal/otel"
	"github.com/basket/turngate/internal/persistence"
	"github.com/basket/turngate/internal/proposal"
	"github.com/basket/turngate/internal/runs"
	"github.com/basket/turngate/internal/scope"
	"github.com/basket/turngate/internal/session"
	"github.com/basket/turngate/internal/sweep"
	"github.com/basket/turngate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: turngate [flags] [command]

COMMANDS:
  (none)                      Run the gateway in the foreground
  status                      Show gateway health (/healthz)
  proposals [-status s]       List proposals awaiting review
  approve <id>                Approve and apply a proposal
  reject <id>                 Reject a proposal
  doctor [-json]              Run diagnostic checks
  audit [-decision d]         Show recent audit entries
  backup [-out path]          Copy the database to a backup file

FLAGS:
`)
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  TURNGATE_HOME           Data directory (default: ~/.turngate)
  TURNGATE_AUTH_TOKEN     Bearer token (default: <home>/auth.token)
  TURNGATE_REPO_ROOT      Repository the gateway guards
`)
}

func main() {
	quietFlag := flag.Bool("quiet", false, "log to <home>/logs only")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		os.Exit(runSubcommand(ctx, args, os.Stdout, os.Stderr))
	}

	if err := serve(ctx, *quietFlag); err != nil {
		os.Exit(1)
	}
}

// runSubcommand dispatches CLI actions and returns the exit code.
func runSubcommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "status":
		return runStatusCommand(ctx, args[1:], stdout, stderr)
	case "proposals":
		return runProposalsCommand(ctx, args[1:], stdout, stderr)
	case "approve":
		return runResolveCommand(ctx, "approve", args[1:], stdout, stderr)
	case "reject":
		return runResolveCommand(ctx, "reject", args[1:], stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args[1:], stdout, stderr)
	case "audit":
		return runAuditCommand(ctx, args[1:], stdout, stderr)
	case "backup":
		return runBackupCommand(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func serve(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if _, err := config.WriteStarter(cfg.HomeDir, cfg.RepoRoot); err != nil {
			return fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		if cfg, err = config.Load(); err != nil {
			return fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	// Audit opens before the logger so logger failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "repo_root", cfg.RepoRoot)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()

	guard, err := scope.NewGuard(scope.Options{
		RepoRoot: cfg.RepoRoot,
		Scope:    cfg.Scope,
		Store:    store,
		Logger:   telemetry.Component(logger, "scope"),
		Bus:      eventBus,
		Metrics:  metrics,
	})
	if err != nil {
		return fatalStartup(logger, "E_SCOPE_CONFIG", err)
	}

	proposals := proposal.New(proposal.Config{
		Store:   store,
		Guard:   guard,
		Applier: proposal.GitApplier{RepoRoot: cfg.RepoRoot, Logger: telemetry.Component(logger, "applier")},
		Bus:     eventBus,
		Logger:  telemetry.Component(logger, "proposal"),
		Metrics: metrics,
		Tracer:  provider.Tracer,
	})

	sessionLogger := telemetry.Component(logger, "session")
	sessions := session.NewManager(session.Config{
		Dialer:           session.StdioDialer(cfg.Agent, sessionLogger),
		Guard:            guard,
		Proposals:        proposals,
		ClientInfo:       agentrpc.ClientInfo{Name: cfg.Agent.ClientName, Version: Version},
		HandshakeTimeout: time.Duration(cfg.Agent.HandshakeTimeoutSeconds) * time.Second,
		Bus:              eventBus,
		Logger:           sessionLogger,
		Metrics:          metrics,
		Tracer:           provider.Tracer,
	})

	runLogger := telemetry.Component(logger, "runs")
	var sandbox runs.Spawner
	if needsSandbox(cfg.Commands) {
		d, err := runs.NewDockerSpawner(cfg.Sandbox, cfg.RepoRoot, runLogger)
		if err != nil {
			// Sandboxed commands report policy-pattern until docker is reachable.
			logger.Warn("docker sandbox unavailable", "error", err)
		} else {
			sandbox = d
			defer d.Close()
		}
	}
	runMgr, err := runs.NewManager(runs.Config{
		Commands:        cfg.Commands,
		BlockedPatterns: cfg.BlockedPatterns,
		RepoRoot:        cfg.RepoRoot,
		Host:            &runs.HostSpawner{},
		Sandbox:         sandbox,
		Bus:             eventBus,
		Logger:          runLogger,
		Metrics:         metrics,
		Tracer:          provider.Tracer,
	})
	if err != nil {
		return fatalStartup(logger, "E_COMMAND_POLICY", err)
	}

	sweeper, err := sweep.New(sweep.Config{
		Schedule:      cfg.SweepSchedule,
		Store:         store,
		Turns:         sessions,
		Runs:          runMgr,
		TurnRetention: time.Duration(cfg.TurnRetentionMinutes) * time.Minute,
		RunRetention:  time.Duration(cfg.RunRetentionMinutes) * time.Minute,
		Logger:        telemetry.Component(logger, "sweep"),
	})
	if err != nil {
		return fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	authToken := cfg.AuthToken
	if authToken == "" {
		if authToken, err = loadAuthToken(cfg.HomeDir); err != nil {
			return fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Guard:             guard,
		Sessions:          sessions,
		Proposals:         proposals,
		Runs:              runMgr,
		Bus:               eventBus,
		Telemetry:         provider,
		Metrics:           metrics,
		Tracer:            provider.Tracer,
		Logger:            telemetry.Component(logger, "http"),
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: func() string { return fingerprint.Load().(string) },
	})
	if err != nil {
		return fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload failed; keeping previous config", "error", err)
				continue
			}
			if fp := next.Fingerprint(); fp != fingerprint.Load().(string) {
				applyReload(next, guard, runMgr, logger)
				fingerprint.Store(fp)
				eventBus.Publish(bus.TopicConfigReloaded, map[string]string{"fingerprint": fp})
			}
		}
	}()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: stop the other process or change bind_addr in config.yaml", err)
		}
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Stop intake first, then cancel live turns and runs within the drain budget.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := sessions.Close(shutdownCtx); err != nil {
		logger.Warn("session drain incomplete", "error", err)
	}
	if err := runMgr.Close(shutdownCtx); err != nil {
		logger.Warn("run drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// applyReload pushes scope and command changes into the live components.
// Each component keeps its previous policy when the new one is invalid.
func applyReload(next config.Config, guard *scope.Guard, runMgr *runs.Manager, logger *slog.Logger) {
	if err := guard.Reload(next.RepoRoot, next.Scope); err != nil {
		logger.Error("scope reload rejected; retaining previous policy", "error", err)
	}
	if err := runMgr.Reload(next.Commands, next.BlockedPatterns); err != nil {
		logger.Error("command reload rejected; retaining previous allow-list", "error", err)
	}
	telemetry.Level.Set(telemetry.ParseLevel(next.LogLevel))
	logger.Info("config.yaml hot-reloaded", "fingerprint", next.Fingerprint())
}

func needsSandbox(commands []config.CommandConfig) bool {
	for _, c := range commands {
		if c.Sandbox && !c.Disabled {
			return true
		}
	}
	return false
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.Entry{
		Decision:  audit.DecisionFatal,
		Operation: "runtime.startup",
		Reason:    reasonCode + ": " + message,
	})

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
	return fmt.Errorf("%s: %w", reasonCode, err)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

// loadAuthToken reads <home>/auth.token, generating one on first run.
func loadAuthToken(homeDir string) (string, error) {
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// clientToken resolves the token CLI subcommands send to a running gateway.
func clientToken(cfg config.Config) string {
	if cfg.AuthToken != "" {
		return cfg.AuthToken
	}
	b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth.token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// baseURL turns bind_addr into an http URL for CLI subcommands.
func baseURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}
