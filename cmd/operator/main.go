// Operator is an emergency dispatch switchboard for an off-grid mesh
// radio network.
//
// It bridges a Meshtastic MQTT gateway to a local LLM backend: SOS
// triggers are acknowledged and dispatched to responders within
// seconds, an AI operator triages the incident over direct messages,
// and everything else is rate-limited general chat. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	operator serve           Start the dispatch gateway
//	operator init [dir]      Write a starter config file
//	operator version         Print version and build information
//	operator -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/libertymesh/operator/internal/audit"
	"github.com/libertymesh/operator/internal/buildinfo"
	"github.com/libertymesh/operator/internal/config"
	"github.com/libertymesh/operator/internal/dispatch"
	"github.com/libertymesh/operator/internal/events"
	"github.com/libertymesh/operator/internal/incidents"
	"github.com/libertymesh/operator/internal/llm"
	"github.com/libertymesh/operator/internal/radio"
	"github.com/libertymesh/operator/internal/session"
	"github.com/libertymesh/operator/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the operator command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface is small enough
// that manual parsing is clearer than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Operator - Mesh Radio Emergency Dispatch Gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: operator [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the dispatch gateway")
	fmt.Fprintln(w, "  init [dir]   Write a starter config file (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/operator/config.yaml, /etc/operator/config.yaml")
	return nil
}

// runServe is the primary operating mode: loads config, opens the audit
// log and incident archive, connects to the radio gateway and verifies
// the LLM backend, starts the router, worker, watchdog, beacon, and
// console server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Open triage sessions are closed and archived with reason shutdown
//  3. The console server drains in-flight requests
//  4. The radio disconnects and the audit log is flushed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Operator",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.Radio.Broker,
		"channel", cfg.Radio.ChannelIndex,
		"model", cfg.LLM.Model,
		"responders", len(cfg.Responders),
	)

	bootTime := time.Now()

	// --- Audit log ---
	// Append-only JSONL. Every dispatch-relevant event lands here; the
	// structured logger is for operators, the audit log is the record.
	auditLog, err := audit.Open(cfg.Audit.Path, logger)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", cfg.Audit.Path, err)
	}
	defer auditLog.Close()

	// --- Incident archive ---
	// Closed incidents only. Seeds the monotonic incident counter so
	// numbers never repeat across restarts. Optional: an empty path
	// disables it.
	var archive *incidents.Archive
	firstIncident := 0
	if cfg.Archive.Path != "" {
		archive, err = incidents.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("open incident archive %s: %w", cfg.Archive.Path, err)
		}
		defer archive.Close()

		firstIncident, err = archive.MaxNumber()
		if err != nil {
			return fmt.Errorf("seed incident counter: %w", err)
		}
		logger.Info("incident archive opened", "path", cfg.Archive.Path, "last_incident", firstIncident)
	} else {
		logger.Warn("incident archive disabled, numbers reset on restart")
	}

	// --- Signal handling ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Radio ---
	// The radio is the reason this process exists; failure to connect
	// is fatal rather than degraded.
	mesh, err := radio.NewMeshClient(cfg.Radio, logger)
	if err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	if err := mesh.Start(ctx); err != nil {
		return fmt.Errorf("radio connect: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := mesh.Close(closeCtx); err != nil {
			logger.Error("radio disconnect failed", "error", err)
		}
	}()

	sender := radio.NewSender(mesh, radio.SenderConfig{
		Width:      cfg.Send.ChunkWidth,
		ChunkDelay: time.Duration(cfg.Send.ChunkDelaySec) * time.Second,
		Gap:        time.Duration(cfg.Send.GapSec) * time.Second,
		Logger:     logger,
	})

	// --- LLM backend ---
	// Degraded startup is allowed: dispatch must work even when the
	// model host is down, so a failed ping only warns.
	llmClient := llm.New(llm.Config{
		BaseURL:   cfg.LLM.URL,
		Model:     cfg.LLM.Model,
		Timeout:   time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		MaxTokens: cfg.LLM.MaxTokens,
		Logger:    logger,
	})
	if err := llmClient.Ping(ctx); err != nil {
		logger.Warn("llm backend unreachable, triage will degrade until it recovers",
			"url", cfg.LLM.URL,
			"error", err,
		)
	} else {
		logger.Info("llm backend ready", "url", cfg.LLM.URL, "model", cfg.LLM.Model)
	}

	// --- Core state ---
	store := session.NewStore(session.Options{
		MaxExchanges: cfg.Triage.MaxExchanges,
		Cooldown:     time.Duration(cfg.Chat.CooldownSec) * time.Second,
		WarnThrottle: time.Duration(cfg.Chat.WarningThrottleSec) * time.Second,
	})
	queue := dispatch.NewQueue()
	bus := events.New()
	responders := dispatch.Responders(cfg.Responders)

	closer := dispatch.NewCloser(store, auditLog, archive, bus, logger)

	engine := dispatch.NewEngine(dispatch.EngineConfig{
		Store:         store,
		Sender:        sender,
		Directory:     mesh,
		Queue:         queue,
		Audit:         auditLog,
		Bus:           bus,
		Responders:    responders,
		Logger:        logger,
		FirstIncident: firstIncident,
	})

	beacon := dispatch.NewBeacon(sender, time.Duration(cfg.Beacon.IntervalSec)*time.Second, logger)

	router := dispatch.NewRouter(dispatch.RouterConfig{
		Store:       store,
		Queue:       queue,
		Sender:      sender,
		Directory:   mesh,
		Dispatcher:  engine,
		Closer:      closer,
		Audit:       auditLog,
		Bus:         bus,
		Responders:  responders,
		Beacon:      beacon,
		Logger:      logger,
		LocalNode:   mesh.LocalNode(),
		Channel:     cfg.Radio.ChannelIndex,
		StaleWindow: time.Duration(cfg.Router.StaleWindowSec) * time.Second,
		QueueLimit:  cfg.Router.QueueLimit,
		Lockout:     time.Duration(cfg.Restriction.Minutes) * time.Minute,
	}, bootTime)

	worker := dispatch.NewWorker(store, queue, llmClient, sender, auditLog, bus, logger)

	watchdog := dispatch.NewWatchdog(dispatch.WatchdogConfig{
		Store:          store,
		Sender:         sender,
		Directory:      mesh,
		Closer:         closer,
		Audit:          auditLog,
		Responders:     responders,
		Logger:         logger,
		TriageTimeout:  time.Duration(cfg.Triage.TimeoutSec) * time.Second,
		Menu911Timeout: time.Duration(cfg.Menu911.TimeoutSec) * time.Second,
	})

	// --- Background goroutines ---
	go worker.Run(ctx)
	go watchdog.Run(ctx)
	go beacon.Run(ctx)
	go router.Run(ctx, mesh.Packets())

	// --- Console server ---
	var console *web.Server
	if cfg.Web.Enabled {
		console = web.NewServer(cfg.Web.Address, cfg.Web.Port, store, archive, bus, &consoleStatus{queue: queue, mesh: mesh}, logger)
		go func() {
			if err := console.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("console server failed", "error", err)
			}
		}()
	}

	auditLog.Log(audit.TypeSystem, map[string]any{
		"event":   "startup",
		"version": buildinfo.Version,
		"node":    mesh.LocalNode(),
	})
	logger.Info("Operator on duty", "node", mesh.LocalNode(), "channel", cfg.Radio.ChannelIndex)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Close every open triage with its own audited reason before the
	// radio goes away. Sends use a fresh context; ctx is already dead.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	now := time.Now()
	for _, sess := range store.CloseAll(now) {
		dur := now.Sub(sess.StartedAt)
		if dur < 0 {
			dur = 0
		}
		closer.Record(sess, session.ReasonShutdown, dur, now)
		sender.SendDM(shutdownCtx,
			"[SYSTEM] Operator going offline. Your session was closed. Send !911 again if you still need help.",
			sess.Sender, false)
	}

	auditLog.Log(audit.TypeSystem, map[string]any{"event": "shutdown"})

	if console != nil {
		_ = console.Shutdown(shutdownCtx)
	}

	logger.Info("Operator stopped", "uptime", buildinfo.Uptime().Truncate(time.Second))
	return nil
}

// consoleStatus adapts live components to the console's status view.
type consoleStatus struct {
	queue *dispatch.Queue
	mesh  *radio.MeshClient
}

func (c *consoleStatus) QueueDepth() int   { return c.queue.Depth() }
func (c *consoleStatus) NodeCount() int    { return c.mesh.NodeCount() }
func (c *consoleStatus) LocalNode() string { return c.mesh.LocalNode() }

// newLogger creates a structured text logger writing to w. All log
// output goes through slog; this helper standardizes the handler
// configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
