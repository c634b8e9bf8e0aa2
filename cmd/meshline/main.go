// Meshline is a unified multi-platform chat integration runtime.
//
// It drives four chat backends (Telegram, WhatsApp, Signal, webchat)
// behind one adapter contract, records delivered messages into a local
// archive, and watches per-platform health with configurable alert
// rules. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	meshline serve               Connect the configured platforms and run
//	meshline init [dir]          Initialize a working directory with defaults
//	meshline deploy <fix.json>   Evaluate and roll out a fix bundle
//	meshline version             Print version and build information
//	meshline -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/alerts"
	"github.com/meshline/meshline/internal/archive"
	"github.com/meshline/meshline/internal/autofix"
	"github.com/meshline/meshline/internal/behaviour"
	"github.com/meshline/meshline/internal/buildinfo"
	"github.com/meshline/meshline/internal/config"
	"github.com/meshline/meshline/internal/events"
	"github.com/meshline/meshline/internal/health"
	"github.com/meshline/meshline/internal/humansim"
	"github.com/meshline/meshline/internal/signalrpc"
	"github.com/meshline/meshline/internal/telegram"
	"github.com/meshline/meshline/internal/webchat"
	"github.com/meshline/meshline/internal/whatsapp"
)

// whatsappDial binds the session manager to a concrete multi-device
// transport implementation. It is a variable so that a build carrying
// a socket library can install one from its own file without touching
// the wiring in runServe; when nil, the whatsapp platform is skipped
// even if enabled in config.
var whatsappDial whatsapp.Dialer

// healthInterval is how often the monitor loop snapshots platform
// metrics and evaluates alert rules.
const healthInterval = 30 * time.Second

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

// run is the real entry point for the meshline command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime (cancelling it triggers graceful shutdown), stdout and
// stderr receive all output, and args is os.Args[1:].
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals (flag.CommandLine), which makes it impossible
// to call run() concurrently from tests; the argument surface is small
// enough that manual parsing is clearer than a CLI framework.
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
	case "deploy":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: meshline deploy <fix.json>")
		}
		return runDeploy(ctx, stdout, configPath, cmdArgs[0])
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
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// meshline is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Meshline - Unified Chat Integration Runtime")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: meshline [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve             Connect configured platforms and run")
	fmt.Fprintln(w, "  init [dir]        Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  deploy <fix.json> Evaluate and roll out a fix bundle")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/meshline/config.yaml, /etc/meshline/config.yaml")
	return nil
}

// defaultConfigYAML is the starter configuration written by "meshline
// init". Every platform starts disabled; secrets come from environment
// variables so the file can live in version control.
const defaultConfigYAML = `# meshline configuration
data_dir: data
log_level: info

telegram:
  enabled: false
  token: ${TELEGRAM_BOT_TOKEN}

signal:
  enabled: false
  account: "+15550000000"
  command: signal-cli

whatsapp:
  enabled: false
  print_qr_in_terminal: true
  max_reconnect_attempts: 10

webchat:
  enabled: false
  base_url: https://chat.example.com
  debugger_url: ws://127.0.0.1:9222/devtools/browser
  username: ${WEBCHAT_USERNAME}
  password: ${WEBCHAT_PASSWORD}

behaviour:
  scale: 1.0

humansim:
  reading_speed: 0.5
  deliberation: 0.5
  activity_level: 0.5
  idle_tendency: 0.5

alerts:
  rules:
    - id: success-rate
      name: send success rate degraded
      severity: warning
      conditions:
        - metric: successRate
          op: lt
          threshold: 0.9

autofix:
  enabled: false
  confidence_threshold: 0.8
  test_command: go test ./...
`

// runInit writes a starter config.yaml into dir, refusing to overwrite
// an existing one.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	fmt.Fprintln(stdout, "Edit it to enable platforms, then run: meshline serve")
	return nil
}

// runDeploy handles "meshline deploy <fix.json>". It loads a fix
// bundle, evaluates the deployment strategy against the configured
// confidence threshold, applies the patches with test validation, and
// optionally files a forge issue with the outcome.
func runDeploy(ctx context.Context, stdout io.Writer, configPath string, fixPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	data, err := os.ReadFile(fixPath)
	if err != nil {
		return fmt.Errorf("read fix bundle: %w", err)
	}
	var fix autofix.Fix
	if err := json.Unmarshal(data, &fix); err != nil {
		return fmt.Errorf("parse fix bundle %s: %w", fixPath, err)
	}

	plan := autofix.EvaluateDeployment(&fix, cfg.Autofix.ConfidenceThreshold)
	fmt.Fprintf(stdout, "fix %s: strategy=%s (%s)\n", fix.ID, plan.Strategy, plan.Reason)
	if plan.Strategy == autofix.StrategyManual {
		fmt.Fprintln(stdout, "manual review required, nothing deployed")
		return nil
	}

	tracker := autofix.NewRolloutTracker(plan.Strategy)
	deployer := autofix.NewDeployer(shellRunner, logger)

	result, deployErr := deployer.ExecuteDeploy(ctx, &fix, cfg.Autofix.TestCommand, tracker)
	if result != nil {
		if result.Deployed {
			fmt.Fprintf(stdout, "deployed at %d%% rollout\n", result.Stage)
		} else {
			fmt.Fprintln(stdout, "deployment reverted")
		}
	}

	// Report regardless of outcome; reverts are exactly what the forge
	// issue trail is for.
	if f := cfg.Autofix.Forge; f.Owner != "" && f.Repo != "" && result != nil {
		reporter, err := autofix.NewForgeReporter(nil, f.Token, f.BaseURL, f.Owner, f.Repo, logger)
		if err != nil {
			logger.Error("forge reporter unavailable", "error", err)
		} else if url, err := reporter.ReportDeployment(ctx, &fix, plan, result); err != nil {
			logger.Error("forge report failed", "error", err)
		} else {
			fmt.Fprintf(stdout, "reported: %s\n", url)
		}
	}

	return deployErr
}

// shellRunner executes a test command through the shell and returns
// its exit code and combined output. A non-zero exit is not an error;
// the caller decides what a failing test run means.
func shellRunner(ctx context.Context, command string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), err
	}
	return 0, string(out), nil
}

// runServe handles the "meshline serve" subcommand. It is the primary
// operating mode: loads config, opens the message archive, constructs
// every enabled adapter, wires events into the archive, health monitor
// and operational bus, starts the alert loop, and blocks until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Adapters disconnect (releasing sockets, subprocesses, browsers)
//  3. The behaviour machine and MQTT sink stop
//  4. The archive database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting meshline", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner and config errors.
	{
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Message archive ---
	// Every message observed by any adapter is recorded here. It also
	// backs history queries for platforms that cannot enumerate their
	// own past.
	store, err := archive.OpenStore(cfg.ArchivePath())
	if err != nil {
		return fmt.Errorf("open archive %s: %w", cfg.ArchivePath(), err)
	}
	defer store.Close()
	logger.Info("archive opened", "path", cfg.ArchivePath())

	if cfg.Archive.Retention > 0 {
		if pruned, err := store.Prune(time.Now().Add(-cfg.Archive.Retention)); err != nil {
			logger.Error("archive prune failed", "error", err)
		} else if pruned > 0 {
			logger.Info("archive pruned", "messages", pruned, "retention", cfg.Archive.Retention)
		}
	}

	// --- Operational plumbing ---
	bus := events.New()
	monitor := health.NewMonitor(cfg.Health.Collector(), logger)

	alertMgr := alerts.NewManager(logger, time.Now)
	for _, rule := range cfg.Alerts.Rules {
		alertMgr.AddRule(rule)
	}

	var sink *alerts.MQTTSink
	if cfg.Alerts.MQTT.Broker != "" {
		sink = alerts.NewMQTTSink(cfg.Alerts.MQTT, logger)
		if err := sink.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt alert sink: %w", err)
		}
		logger.Info("mqtt alert sink enabled", "broker", cfg.Alerts.MQTT.Broker)
	}

	alertMgr.OnAlert(func(evt alerts.Event) {
		kind := events.KindAlertFired
		if evt.State == alerts.StateResolved {
			kind = events.KindAlertResolved
		}
		bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAlerts,
			Kind:      kind,
			Data: map[string]any{
				"rule_id":  evt.RuleID,
				"platform": string(evt.Platform),
				"severity": string(evt.Severity),
			},
		})
		if sink != nil {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sink.Publish(pubCtx, evt)
		}
	})

	// --- Behaviour pacing ---
	// The state machine and response simulator pace the browser-driven
	// adapter. Both run even when webchat is disabled; an idle machine
	// costs one timer.
	machine := behaviour.New(behaviour.Config{Scale: cfg.Behaviour.Scale})
	machine.Start()
	defer machine.Stop()

	sim := humansim.New(cfg.HumanSim, nil, nil)

	// --- Adapters ---
	var adapters []adapter.Adapter

	if cfg.Telegram.Enabled {
		adapters = append(adapters, telegram.New(cfg.Telegram.Config, nil, logger))
	}
	if cfg.Signal.Enabled {
		adapters = append(adapters, signalrpc.New(cfg.Signal.Config, logger))
	}
	if cfg.WhatsApp.Enabled {
		wa, err := buildWhatsApp(cfg, bus, logger)
		if err != nil {
			return err
		}
		if wa != nil {
			adapters = append(adapters, wa)
		}
	}
	if cfg.Webchat.Enabled {
		browser := webchat.NewDevToolsClient(cfg.Webchat.DebuggerURL, cfg.Webchat.Proxy, logger)
		adapters = append(adapters, webchat.NewAdapter(cfg.Webchat.Config, browser, machine, sim, store, logger))
	}

	if len(adapters) == 0 {
		return fmt.Errorf("no platforms enabled in %s", cfgPath)
	}

	for _, a := range adapters {
		monitor.RegisterPlatform(a.Platform())
		wireAdapter(a, store, monitor, bus, logger)
	}

	// Connect everything. A platform that fails to connect is logged
	// and left to its own reconnect logic (or a restart); one broken
	// backend must not take down the others.
	for _, a := range adapters {
		connectCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		if err := a.Connect(connectCtx); err != nil {
			logger.Error("connect failed", "platform", a.Platform(), "error", err)
			monitor.Record(a.Platform(), health.ActionResult{
				Timestamp: time.Now(),
				ErrorType: errorType(err),
			})
		} else {
			logger.Info("platform connected", "platform", a.Platform(), "self", a.Self().ID)
		}
		cancel()
	}

	// --- Monitor loop ---
	// Periodic snapshot of every platform's window, fed to the alert
	// rules. Runs until shutdown.
	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snapshots := monitor.SnapshotAll()
				for _, metrics := range snapshots {
					alertMgr.Evaluate(metrics)
				}
				bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceHealth,
					Kind:      events.KindSnapshot,
					Data: map[string]any{
						"platforms":    len(snapshots),
						"disconnected": len(monitor.DisconnectedPlatforms()),
					},
				})
			}
		}
	}()

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	for _, a := range adapters {
		if err := a.Disconnect(); err != nil {
			logger.Error("disconnect failed", "platform", a.Platform(), "error", err)
		}
	}

	if sink != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Stop(stopCtx); err != nil {
			logger.Error("mqtt sink shutdown failed", "error", err)
		}
		stopCancel()
	}

	logger.Info("meshline stopped")
	return nil
}

// buildWhatsApp constructs the WhatsApp session manager and adapter,
// forwarding session lifecycle events onto the bus. Returns nil (no
// error) when no transport is compiled in.
func buildWhatsApp(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (adapter.Adapter, error) {
	if whatsappDial == nil {
		logger.Warn("whatsapp enabled but no transport compiled in, skipping")
		return nil, nil
	}

	authStore, err := whatsapp.NewFileAuthStore(cfg.WhatsAppAuthDir())
	if err != nil {
		return nil, fmt.Errorf("whatsapp auth store: %w", err)
	}

	session := whatsapp.NewSessionManager(whatsapp.SessionConfig{
		Dial:                 whatsappDial,
		Store:                authStore,
		MaxReconnectAttempts: cfg.WhatsApp.MaxReconnectAttempts,
		BaseReconnectDelay:   cfg.WhatsApp.BaseReconnectDelay,
		MaxReconnectDelay:    cfg.WhatsApp.MaxReconnectDelay,
		PrintQRInTerminal:    cfg.WhatsApp.PrintQRInTerminal,
		Logger:               logger,
	})

	session.OnEvent(func(evt whatsapp.SessionEvent) {
		e := events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceWhatsApp,
			Data:      map[string]any{},
		}
		switch evt.Name {
		case whatsapp.SessionEventQR:
			e.Kind = events.KindQRGenerated
			e.Data["attempt"] = evt.Attempt
		case whatsapp.SessionEventReconnecting:
			e.Kind = events.KindReconnecting
			e.Data["attempt"] = evt.Attempt
			e.Data["max_attempts"] = evt.MaxAttempts
			e.Data["delay_ms"] = evt.Delay.Milliseconds()
		case whatsapp.SessionEventSessionExpired:
			e.Kind = events.KindSessionExpired
			e.Data["reason"] = evt.Reason
		default:
			return
		}
		bus.Publish(e)
	})

	return whatsapp.NewAdapter(session, logger), nil
}

// wireAdapter connects one adapter's event stream to the archive, the
// health monitor and the operational bus. Handlers run synchronously
// on the adapter's emit goroutine and must stay cheap.
func wireAdapter(a adapter.Adapter, store *archive.Store, monitor *health.Monitor, bus *events.Bus, logger *slog.Logger) {
	platform := a.Platform()
	source := string(platform)

	a.On(adapter.EventMessage, func(e adapter.Event) {
		if err := store.Record(e.Message); err != nil {
			logger.Error("archive record failed", "platform", platform, "error", err)
		}
		monitor.Record(platform, health.ActionResult{
			Timestamp: time.Now(),
			Success:   true,
		})
		bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    source,
			Kind:      events.KindMessageReceived,
			Data: map[string]any{
				"conversation_id": e.Message.Conversation.ID,
				"sender":          e.Message.Sender.ID,
				"content_type":    string(e.Message.Content.Type),
			},
		})
	})

	a.On(adapter.EventReaction, func(e adapter.Event) {
		bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    source,
			Kind:      events.KindReactionReceived,
			Data: map[string]any{
				"sender": e.Reaction.Reaction.User.ID,
				"emoji":  e.Reaction.Reaction.Emoji,
			},
		})
	})

	a.On(adapter.EventError, func(e adapter.Event) {
		monitor.Record(platform, health.ActionResult{
			Timestamp: time.Now(),
			ErrorType: errorType(e.Err),
		})
		bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    source,
			Kind:      events.KindAdapterError,
			Data:      map[string]any{"error": e.Err.Error()},
		})
	})

	a.On(adapter.EventConnected, func(e adapter.Event) {
		bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    source,
			Kind:      events.KindConnected,
			Data:      map[string]any{"self_id": a.Self().ID},
		})
	})

	a.On(adapter.EventDisconnected, func(e adapter.Event) {
		bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    source,
			Kind:      events.KindDisconnected,
		})
	})
}

// errorType buckets an adapter error for the health window's error
// breakdown.
func errorType(err error) string {
	var transport *adapter.TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, adapter.ErrTimeout):
		return "timeout"
	case errors.Is(err, adapter.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, adapter.ErrNotConnected):
		return "not_connected"
	case errors.As(err, &transport):
		return "transport"
	default:
		return "internal"
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
// Returns the parsed config, the path that was loaded, and any error.
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
