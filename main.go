package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"rhythmchamber/pkg/api"
	"rhythmchamber/pkg/channels"
	_ "rhythmchamber/pkg/channels/autoload" // Auto-register Channels
	"rhythmchamber/pkg/channels/web"
	"rhythmchamber/pkg/config"
	"rhythmchamber/pkg/gateway"
	"rhythmchamber/pkg/handler"
	"rhythmchamber/pkg/httpapi"
	"rhythmchamber/pkg/ingest"
	"rhythmchamber/pkg/lock"
	"rhythmchamber/pkg/llm"
	"rhythmchamber/pkg/model"
	"rhythmchamber/pkg/monitor"
	"rhythmchamber/pkg/provider"
	_ "rhythmchamber/pkg/provider/autoload" // Auto-register LLM provider adapters
	"rhythmchamber/pkg/storage"
	"rhythmchamber/pkg/tabs"
	"rhythmchamber/pkg/tools"
)

func main() {
	// Create context listening for system signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial configuration load to get log level before loop
	// This acts as a fallback or initial console setup.
	_, sysCfg, err := config.Load()
	if err == nil {
		monitor.SetupEnvironment(sysCfg.LogLevel)
	}

	reloadCh := config.WatchConfig(ctx, "config.json", "system.json")

	for {
		err := run(ctx, reloadCh)

		if err != nil {
			slog.Error("System crashed or failed to load config", "error", err)
			slog.Info("Waiting 5 seconds before retrying...")
			// Wait for 5 seconds, or for a file change, or user interrupt
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				slog.Info("Configuration change detected while waiting. Retrying immediately...")
			case <-time.After(5 * time.Second):
			}
		} else {
			// Normal exit from run (either manual exit or config reloaded)
			select {
			case <-ctx.Done():
				return // User requested exit
			default:
				slog.Info("==== Configuration Reloaded ====")
			}
		}
	}
}

// run executes a single lifecycle of the application: load configuration,
// assemble every collaborator, build the gateway, and block until shutdown
// or a config change asks for a restart.
func run(ctx context.Context, reloadCh <-chan struct{}) error {
	// --- 0. Load Configuration ---
	cfg, sysCfg, err := config.Load()
	if err != nil {
		monitor.PrintBanner()
		monitor.SetupSlog("info")
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// --- 0a. Setup Environment (logger + monitor) ---
	m := monitor.SetupEnvironment(sysCfg.LogLevel)
	slog.Info("==========================================")

	// --- 1. Storage ---
	db, err := storage.Open(filepath.Join("data", "rhythmchamber.db"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	locks := lock.New()
	store := storage.New(db)
	demoStore := storage.NewDemoStore(db, locks)

	// backend resolves to the demo sandbox whenever one is active, else the
	// production store, per spec.md §4.11 "reads during demo mode go through
	// application state".
	backend := func() tools.DataBackend {
		if demoStore.IsActive() {
			return demoStore
		}
		return store
	}

	// --- 2. Core Services ---
	// --- 2a. Session Management ---
	sessionsDir := filepath.Join("data", "sessions")
	sessionManager := llm.NewSessionManager(sessionsDir)

	// --- 2b. LLM Router ---
	health := provider.NewHealthAuthority()
	router, err := provider.NewRouterFromConfig(cfg.LLM, sysCfg, health)
	if err != nil {
		return fmt.Errorf("failed to init LLM router: %w", err)
	}

	// --- 2c. Tools, Ingestion, Tabs ---
	registry := tools.NewMusicRegistry()

	// The specific pattern/personality heuristics are peripheral collaborators
	// per spec.md §1 — only their interfaces are core. pkg/model's heuristic
	// pair is a concrete-but-minimal default so the ingestion pipeline runs
	// end to end.
	ingestCtrl := ingest.NewController(locks, store, model.NewHeuristicDetector(), model.NewHeuristicClassifier(), ingest.Config{
		MaxFileSizeBytes: sysCfg.IngestMaxFileSizeBytes,
	})

	tabCoords := tabs.NewCoordinatorRegistry(store, tabs.Config{})

	// --- 2d. Pre-build Components ---
	chs := channels.NewSource(cfg.Channels, sessionManager, sysCfg).Load()
	if webChannel, ok := findWebChannel(chs); ok {
		webChannel.WithHTTPAPI(httpapi.New(ingestCtrl, demoStore, tabCoords, sysCfg.IngestMaxFileSizeBytes))
	}

	h := handler.NewChatHandler(router, registry, sessionManager, backend, cfg, sysCfg)

	// --- 3. Gateway Initialization ---
	gw, err := gateway.NewGatewayBuilder().
		WithSystemConfig(sysCfg).
		WithMonitor(m).
		WithChannel(chs...).
		WithHandler(h).
		Build()

	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	// Wait for shutdown signal or reload signal
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal. Stopping services...")
		gw.StopAll()
		tabCoords.Stop()
		slog.Info("Bye!")
		return nil
	case <-reloadCh:
		slog.Info("Configuration changes detected, stopping services...")
		gw.StopAll()
		tabCoords.Stop()

		slog.Info("Draining connections before restart...")
		time.Sleep(1 * time.Second)

		// Let run return nil to trigger outer loop restart
		return nil
	}
}

// findWebChannel locates the "web" channel instance among the loaded
// channels so main can wire httpapi's extra routes onto its mux before
// Start() registers them — channels.Source only returns the api.Channel
// interface, so this needs the concrete type back.
func findWebChannel(chs []api.Channel) (*web.WebChannel, bool) {
	for _, c := range chs {
		if wc, ok := c.(*web.WebChannel); ok {
			return wc, true
		}
	}
	return nil, false
}
