package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fingerhq/finger/internal/api"
	"github.com/fingerhq/finger/internal/config"
	"github.com/fingerhq/finger/internal/events"
	"github.com/fingerhq/finger/internal/gateway"
	"github.com/fingerhq/finger/internal/hub"
	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/orchestrator"
	"github.com/fingerhq/finger/internal/paths"
	"github.com/fingerhq/finger/internal/registry"
	"github.com/fingerhq/finger/internal/session"
	"github.com/fingerhq/finger/internal/snapshot"
	"github.com/fingerhq/finger/internal/store"
	"github.com/fingerhq/finger/internal/supervisor"
	"github.com/fingerhq/finger/internal/toolpolicy"
	"github.com/fingerhq/finger/internal/tracing"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the finger daemon",
	Long: `Run the daemon in the foreground: the message hub, module supervisor,
gateway manager, orchestrator, and the HTTP/websocket frontend.

The HTTP API listens on http_port (default 5521) and the websocket event
stream on ws_port (default 5522). Stop with Ctrl+C or 'finger stop'.

Example:
  finger daemon                    # Start with ~/.finger/config.yaml
  FINGER_DEBUG=1 finger daemon     # Start with debug logging`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	home, err := paths.EnsureHome()
	if err != nil {
		return fmt.Errorf("preparing finger home: %w", err)
	}

	releasePID, err := acquirePIDFile(home)
	if err != nil {
		return err
	}
	defer releasePID()

	cleanup, err := log.Init(home)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	applyLogEnv()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info(log.CatDaemon, "finger daemon starting",
		"version", version, "home", home, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registry plus its snapshot. A warm snapshot repopulates module and
	// route entries before anything registers.
	reg := registry.New()
	snap := snapshot.NewManager(reg, paths.SnapshotFile(home), cfg.Snapshot.Interval())
	if restored, err := snap.Load(); err != nil {
		log.Warn(log.CatSnapshot, "snapshot not restored", "error", err.Error())
	} else if restored {
		log.Info(log.CatSnapshot, "registry restored from snapshot")
	}
	snap.Start(ctx)

	provider, err := tracing.NewProvider(tracingConfig(home))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	tracer := provider.Tracer()

	mws := []hub.Middleware{hub.NewRecoveryMiddleware(), hub.NewLoggingMiddleware()}
	if provider.Enabled() {
		mws = append(mws, hub.NewTracingMiddleware(tracer))
	}
	h := hub.New(reg, hub.Options{Middlewares: mws})
	h.Start(ctx)

	// Index database: event archive and callback mailbox.
	db, err := store.NewDB(paths.IndexDB(home))
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}

	// Event bus: in-memory ring for late subscribers, sqlite archive for
	// websocket catchup and /api/v1/events, per-session JSONL logs.
	fileSink, err := events.NewFileSink(filepath.Join(paths.LogsDir(home), "events"))
	if err != nil {
		return fmt.Errorf("creating event log sink: %w", err)
	}
	bus := events.NewBus(
		events.WithRingCapacity(cfg.Events.RingCapacity),
		events.WithSink(db.EventArchive()),
		events.WithSink(fileSink),
	)
	wsm := events.NewWSManager(db.EventArchive())
	detachWS := wsm.Attach(bus)

	sessions := session.NewManager(home,
		session.WithEmitter(bus),
		session.WithCompressThreshold(cfg.Session.CompressThreshold))
	tools := toolpolicy.NewExecutor(toolpolicy.WithEmitter(bus))

	sup := supervisor.New(supervisor.Config{
		Registry:      reg,
		CheckInterval: cfg.Supervisor.CheckInterval(),
	})
	sup.StartMonitor(ctx)
	bridgeSupervisorEvents(ctx, sup, bus)

	wfStore := orchestrator.NewStore(home, nil)
	driver := orchestrator.NewDriver(h, orchestrator.DriverConfig{
		Loop:     loopConfig(),
		Store:    wfStore,
		Emitter:  bus,
		Sessions: sessions,
		Tracer:   tracer,
	})
	if err := driver.Register(h); err != nil {
		return fmt.Errorf("registering orchestrator: %w", err)
	}

	// Gateways: initial manifest sync plus fsnotify-driven resyncs.
	gwDir := cfg.GatewayDir
	if gwDir == "" {
		gwDir = filepath.Join(home, "gateways")
	}
	if err := os.MkdirAll(gwDir, 0o750); err != nil {
		return fmt.Errorf("creating gateway dir: %w", err)
	}
	mgr, err := gateway.NewManager(ctx, gateway.ManagerConfig{
		Hub:        h,
		Supervisor: sup,
		Dir:        gwDir,
		Env: map[string]string{
			config.EnvHubURL: fmt.Sprintf("http://localhost:%d", cfg.HTTPPort),
		},
		AckTimeout:    cfg.Gateway.AckTimeout(),
		ResultTimeout: cfg.Gateway.ResultTimeout(),
		Hooks:         daemonHooks(h, bus),
		Tracer:        tracer,
	})
	if err != nil {
		return fmt.Errorf("creating gateway manager: %w", err)
	}
	if err := mgr.Sync(ctx); err != nil {
		log.Warn(log.CatGateway, "initial gateway sync incomplete", "error", err.Error())
	}
	disc, err := gateway.NewDiscovery(gwDir, 0)
	if err != nil {
		return fmt.Errorf("creating gateway discovery: %w", err)
	}
	changes, err := disc.Start()
	if err != nil {
		return fmt.Errorf("watching gateway dir: %w", err)
	}
	log.SafeGo("gateway-resync", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				if err := mgr.Sync(ctx); err != nil {
					log.Warn(log.CatGateway, "gateway resync incomplete", "error", err.Error())
				}
			}
		}
	})

	// Epics aborted by a previous shutdown pick up where they left off.
	if resumed := driver.ResumeAll(); len(resumed) > 0 {
		log.Info(log.CatOrch, "resumed epics", "count", len(resumed))
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Addr: fmt.Sprintf("localhost:%d", cfg.HTTPPort),
		Handler: api.Config{
			Hub:              h,
			Sessions:         sessions,
			Tools:            tools,
			Mailbox:          db.Mailbox(),
			Archive:          db.EventArchive(),
			Epics:            driver,
			Workflows:        wfStore,
			Emitter:          bus,
			PrimaryTarget:    cfg.PrimaryTarget,
			AllowDirectRoute: cfg.AllowDirectRoute,
			Blocking:         cfg.Blocking,
			Version:          version,
		},
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// The websocket event stream gets its own port and server.
	wsServer := &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", cfg.WSPort),
		Handler:           wsm.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() { errCh <- apiServer.Start() }()
	log.SafeGo("ws-server", func() {
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	bus.Emit(events.New(events.DaemonStarted, map[string]any{
		"version": version,
		"pid":     os.Getpid(),
	}))
	fmt.Printf("Finger daemon started (http :%d, ws :%d)\n", apiServer.Port(), cfg.WSPort)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	bus.Emit(events.New(events.DaemonStopping, nil))
	log.Info(log.CatDaemon, "finger daemon stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Order matters: stop taking requests, abort epics while gateways can
	// still answer, then tear the gateways and hub down.
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "API server stop failed", err)
	}
	if err := driver.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "orchestrator shutdown incomplete", err)
	}
	if err := disc.Stop(); err != nil {
		log.ErrorErr(log.CatDaemon, "gateway discovery stop failed", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "gateway shutdown incomplete", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "supervisor shutdown incomplete", err)
	}
	h.Stop()
	detachWS()
	wsm.CloseAll()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "websocket server stop failed", err)
	}
	cancel()
	snap.Stop()
	if err := db.Close(); err != nil {
		log.ErrorErr(log.CatDaemon, "index database close failed", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "tracing shutdown failed", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}

// acquirePIDFile claims ~/.finger/daemon.pid. A pid file pointing at a
// live process refuses the start; a stale one is replaced with a warning.
// The returned function removes the file on clean shutdown.
func acquirePIDFile(home string) (func(), error) {
	pidPath := paths.PIDFile(home)
	if data, err := os.ReadFile(pidPath); err == nil { //nolint:gosec // G304: path derives from the finger home dir
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if pid != os.Getpid() && supervisor.ProcessAlive(pid) {
				return nil, fmt.Errorf("daemon already running (pid %d); stop it with 'finger stop' or remove %s", pid, pidPath)
			}
			fmt.Fprintf(os.Stderr, "warning: replacing stale pid file (pid %d not running)\n", pid)
		}
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("writing pid file: %w", err)
	}
	return func() { _ = os.Remove(pidPath) }, nil
}

// applyLogEnv tunes the logger from FINGER_DEBUG / FINGER_LOG. FINGER_DEBUG
// set to anything enables debug logging; FINGER_LOG names a minimum level.
func applyLogEnv() {
	if os.Getenv("FINGER_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
		return
	}
	switch strings.ToLower(os.Getenv("FINGER_LOG")) {
	case "debug":
		log.SetMinLevel(log.LevelDebug)
	case "warn":
		log.SetMinLevel(log.LevelWarn)
	case "error":
		log.SetMinLevel(log.LevelError)
	}
}

// tracingConfig maps the loaded config onto the tracing package,
// defaulting the file path into the daemon home.
func tracingConfig(home string) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	if cfg.Tracing.Exporter != "" {
		tc.Exporter = cfg.Tracing.Exporter
	}
	tc.FilePath = cfg.Tracing.FilePath
	if tc.FilePath == "" {
		tc.FilePath = config.DefaultTracesFilePath(home)
	}
	if cfg.Tracing.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	}
	if cfg.Tracing.SampleRate > 0 {
		tc.SampleRate = cfg.Tracing.SampleRate
	}
	return tc
}

// loopConfig maps the orchestrator config block onto loop bounds.
func loopConfig() orchestrator.Config {
	lc := orchestrator.DefaultConfig()
	if cfg.Orchestrator.MaxRounds > 0 {
		lc.MaxRounds = cfg.Orchestrator.MaxRounds
	}
	if cfg.Orchestrator.MaxRejections > 0 {
		lc.MaxRejections = cfg.Orchestrator.MaxRejections
	}
	if cfg.Orchestrator.OnStuck > 0 {
		lc.OnStuck = cfg.Orchestrator.OnStuck
	}
	if cfg.Orchestrator.FormatFixRetries >= 0 {
		lc.FormatFixRetries = cfg.Orchestrator.FormatFixRetries
	}
	if cfg.PrimaryTarget != "" {
		lc.TargetExecutorID = cfg.PrimaryTarget
	}
	return lc
}

// bridgeSupervisorEvents republishes module state changes as bus events
// so websocket clients see restarts and failures.
func bridgeSupervisorEvents(ctx context.Context, sup *supervisor.Supervisor, bus *events.Bus) {
	ch := sup.Events().Subscribe(ctx)
	log.SafeGo("supervisor-events", func() {
		for ev := range ch {
			change := ev.Payload
			switch {
			case change.To == supervisor.StateFailed:
				bus.Emit(events.New(events.AgentFailed, map[string]any{
					"moduleId": change.ModuleID,
					"reason":   change.Reason,
					"restarts": change.Restarts,
				}))
			case change.To == supervisor.StateStarting && change.Restarts > 0:
				bus.Emit(events.New(events.AgentRestarted, map[string]any{
					"moduleId": change.ModuleID,
					"restarts": change.Restarts,
				}))
			}
		}
	})
}

// daemonHooks routes unsolicited gateway traffic: input envelopes become
// hub messages aimed at the envelope's target, event envelopes carrying a
// known type land on the bus.
func daemonHooks(h *hub.Hub, bus *events.Bus) gateway.Hooks {
	return gateway.Hooks{
		OnInput: func(gatewayID string, env *gateway.Envelope) {
			if env.Target == "" {
				log.Warn(log.CatGateway, "input envelope without target dropped",
					"gateway_id", gatewayID)
				return
			}
			sender := env.Sender
			if sender == "" {
				sender = gatewayID
			}
			msg := hub.NewMessage(orchestrator.MsgUserMessage, sender, env.Message)
			msg.TraceID = tracing.GenerateTraceID()
			h.SendToModuleAsync(env.Target, msg, nil)
		},
		OnEvent: func(gatewayID string, env *gateway.Envelope) {
			t := events.Type(env.Name)
			if !events.KnownType(t) {
				log.Debug(log.CatEvents, "unknown gateway event dropped",
					"gateway_id", gatewayID, "name", env.Name)
				return
			}
			var payload map[string]any
			if len(env.Payload) > 0 {
				if err := json.Unmarshal(env.Payload, &payload); err != nil {
					log.Debug(log.CatEvents, "gateway event payload not decoded",
						"gateway_id", gatewayID, "name", env.Name, "error", err.Error())
				}
			}
			if payload == nil {
				payload = map[string]any{}
			}
			payload["gatewayId"] = gatewayID
			ev := events.New(t, payload)
			if agentID, ok := payload["agentId"].(string); ok {
				ev.AgentID = agentID
			}
			if sessionID, ok := payload["sessionId"].(string); ok {
				ev.SessionID = sessionID
			}
			bus.Emit(ev)
		},
	}
}
